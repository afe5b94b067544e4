package offlinecache

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	clientHeaderName = "Offline-Cache-Client"
	clientCookieName = "offline-cache-client"
)

type RegistrationConfig struct {
	// URL of the application origin.
	Origin url.URL
	// Storage shared by all workers.
	Storage cache.Storage
	// Transport for requests of uncontrolled clients. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clients not seen for this long are considered closed. Defaults to 30 minutes.
	IdleTimeout time.Duration
}

type client struct {
	controller *Worker
	lastSeen   time.Time
}

// Registration sequences the workers of the agent and routes client requests to them.
// At most one worker each is installing, waiting and active.
type Registration struct {
	storage     cache.Storage
	keyer       cachekey.CacheKeyer
	passthrough *http.Client
	log         zerolog.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mutex      *sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	clients    map[string]*client
	// every worker ever registered, for draining writes
	workers []*Worker
}

func NewRegistration(config RegistrationConfig) *Registration {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	idleTimeout := config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Registration{
		storage:     config.Storage,
		keyer:       cachekey.NewCacheKeyer(config.Origin),
		passthrough: newClient(transport),
		log:         logger,
		idleTimeout: idleTimeout,
		now:         time.Now,
		mutex:       &sync.Mutex{},
		clients:     make(map[string]*client),
	}
}

// Register installs the worker and, once installed, activates it if nothing holds it back.
// A previously waiting worker is replaced and becomes redundant.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mutex.Lock()
	if r.installing != nil {
		r.installing.markRedundant()
	}
	r.installing = w
	r.workers = append(r.workers, w)
	r.mutex.Unlock()

	err := w.Install(ctx)

	r.mutex.Lock()
	superseded := r.installing != w
	if !superseded {
		r.installing = nil
	}
	if err != nil {
		r.mutex.Unlock()
		return err
	}
	if superseded {
		r.mutex.Unlock()
		w.markRedundant()
		r.log.Info().Str("worker", w.Version()).Msg("Installed worker superseded")
		return nil
	}
	if r.waiting != nil {
		r.waiting.markRedundant()
	}
	r.waiting = w
	r.mutex.Unlock()

	return r.TryActivate(ctx)
}

// TryActivate activates the waiting worker when there is no active worker,
// the waiting worker skips waiting, or the active worker controls no clients.
func (r *Registration) TryActivate(ctx context.Context) error {
	r.mutex.Lock()
	next := r.waiting
	if next == nil {
		r.mutex.Unlock()
		return nil
	}
	prev := r.active
	if prev != nil && !next.skipsWaiting() && r.controlledBy(prev) > 0 {
		r.mutex.Unlock()
		r.log.Debug().Str("worker", next.Version()).Msg("Worker waiting for clients to close")
		return nil
	}
	activated, ok := next.beginActivation()
	if !ok {
		r.mutex.Unlock()
		return nil
	}
	r.waiting = nil
	r.active = next
	r.mutex.Unlock()

	// prev keeps serving its clients until they are claimed, but stops writing
	// before its generation is deleted
	replacing := prev != nil && prev != next
	if replacing {
		prev.stopWrites()
	}
	if err := next.activate(ctx, activated); err != nil {
		if replacing {
			prev.resumeWrites()
		}
		r.mutex.Lock()
		r.active = prev
		if r.waiting == nil {
			r.waiting = next
		}
		r.mutex.Unlock()
		r.log.Error().Err(err).Str("worker", next.Version()).Msg("Activation failed")
		return err
	}

	if replacing {
		prev.markRedundant()
	}
	claimed := r.claim(next)
	r.log.Info().Str("worker", next.Version()).Int("clients", claimed).Msg("Worker activated")
	return nil
}

// claim makes every known client controlled by the worker.
func (r *Registration) claim(w *Worker) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, c := range r.clients {
		c.controller = w
	}
	return len(r.clients)
}

// controlledBy counts the clients controlled by w. Callers must hold the mutex.
func (r *Registration) controlledBy(w *Worker) int {
	n := 0
	for _, c := range r.clients {
		if c.controller == w {
			n++
		}
	}
	return n
}

// identify returns the id of the client the request comes from.
// isNew is set when the request carried no id and a new one was issued.
func (r *Registration) identify(req *http.Request) (id string, isNew bool) {
	if id := req.Header.Get(clientHeaderName); id != "" {
		return id, false
	}
	if cookie, err := req.Cookie(clientCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, false
	}
	return uuid.NewString(), true
}

// controller returns the worker controlling the client, or nil if the client is uncontrolled.
// A client seen for the first time is controlled by the active worker.
func (r *Registration) controller(id string) *Worker {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.clients[id]
	if !ok {
		c = &client{controller: r.active}
		r.clients[id] = c
		r.log.Trace().Str("client", id).Msg("New client")
	}
	c.lastSeen = r.now()
	return c.controller
}

// Sweep forgets clients idle for longer than the idle timeout and retries activation.
func (r *Registration) Sweep(ctx context.Context) error {
	r.mutex.Lock()
	deadline := r.now().Add(-r.idleTimeout)
	for id, c := range r.clients {
		if c.lastSeen.Before(deadline) {
			delete(r.clients, id)
			r.log.Trace().Str("client", id).Msg("Client closed")
		}
	}
	r.mutex.Unlock()
	return r.TryActivate(ctx)
}

// Run sweeps idle clients every interval until the context ends.
func (r *Registration) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Warn().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// Passthrough sends the request straight to the network.
func (r *Registration) Passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	return forward(ctx, r.passthrough, req, r.keyer.Target(req))
}

// Active returns the active worker, nil if none.
func (r *Registration) Active() *Worker {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.active
}

func (r *Registration) activeOrErr() (*Worker, error) {
	if w := r.Active(); w != nil {
		return w, nil
	}
	return nil, ErrNoActiveWorker
}

// Message handles a command from a page.
// SKIP_WAITING flags the waiting worker, else the installing one, for immediate activation.
func (r *Registration) Message(ctx context.Context, m Message) error {
	if m.Type != MessageSkipWaiting {
		r.log.Trace().Str("type", m.Type).Msg("Ignoring message")
		return nil
	}
	r.mutex.Lock()
	target := r.waiting
	if target == nil {
		target = r.installing
	}
	r.mutex.Unlock()
	if target == nil {
		return nil
	}
	target.SkipWaiting()
	return r.TryActivate(ctx)
}

// Sync delivers a sync event to the active worker.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	w, err := r.activeOrErr()
	if err != nil {
		return err
	}
	return w.Sync(ctx, tag)
}

// Push delivers a push event to the active worker.
func (r *Registration) Push(ctx context.Context, payload *string) (Notification, error) {
	w, err := r.activeOrErr()
	if err != nil {
		return Notification{}, err
	}
	return w.Push(ctx, payload)
}

// NotificationClick delivers a notification click to the active worker.
func (r *Registration) NotificationClick(ctx context.Context, id, action string) error {
	w, err := r.activeOrErr()
	if err != nil {
		return err
	}
	return w.NotificationClick(ctx, id, action)
}

// Wait blocks until the pending cache writes of every registered worker are done.
func (r *Registration) Wait() {
	r.mutex.Lock()
	workers := append([]*Worker(nil), r.workers...)
	r.mutex.Unlock()
	for _, w := range workers {
		w.Wait()
	}
}

type WorkerStatus struct {
	Version string `json:"version"`
	State   State  `json:"state"`
}

type ClientStatus struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
}

type Status struct {
	Installing  *WorkerStatus  `json:"installing,omitempty"`
	Waiting     *WorkerStatus  `json:"waiting,omitempty"`
	Active      *WorkerStatus  `json:"active,omitempty"`
	Clients     []ClientStatus `json:"clients"`
	Generations []string       `json:"generations"`
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{Version: w.Version(), State: w.State()}
}

// Status reports the workers, the known clients and the stored generations.
func (r *Registration) Status(ctx context.Context) (Status, error) {
	r.mutex.Lock()
	status := Status{
		Installing: workerStatus(r.installing),
		Waiting:    workerStatus(r.waiting),
		Active:     workerStatus(r.active),
		Clients:    make([]ClientStatus, 0, len(r.clients)),
	}
	for id, c := range r.clients {
		cs := ClientStatus{ID: id, LastSeen: c.lastSeen}
		if c.controller != nil {
			cs.Controller = c.controller.Version()
		}
		status.Clients = append(status.Clients, cs)
	}
	r.mutex.Unlock()
	sort.Slice(status.Clients, func(i, j int) bool {
		return status.Clients[i].ID < status.Clients[j].ID
	})

	names, err := r.storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	status.Generations = names
	return status, nil
}
