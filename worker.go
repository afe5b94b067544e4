package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

type Config struct {
	// Version names the cache generation this worker owns.
	Version string
	// URL of the application origin.
	// Request paths and manifest paths are resolved against it.
	Origin url.URL
	// Resources seeded on install.
	Manifest []string
	// Path of the document served when the network fails.
	Fallback string
	// Storage for cache generations.
	Storage cache.Storage
	// Transport for network requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional collectors.
	Metrics *Metrics
	// Activate as soon as installed instead of waiting for the previous version's clients.
	SkipWaiting bool
	// Number of manifest resources fetched in parallel.
	InstallConcurrency int
	// Timeout of a single fetch-time cache write.
	WriteTimeout time.Duration
	Hooks Hooks
}

// Worker is one version of the agent.
// It seeds its generation on install, evicts the others on activate,
// and serves requests cache-first.
type Worker struct {
	version     string
	manifest    []string
	fallback    string
	storage     cache.Storage
	keyer       cachekey.CacheKeyer
	client      *http.Client
	seedClient  *http.Client
	log         zerolog.Logger
	metrics     *Metrics
	concurrency int
	timeout     time.Duration
	hooks       Hooks

	mutex       *sync.Mutex
	state       State
	skipWaiting bool
	// closed when the current activation finishes
	activated chan struct{}
	writes    *sync.WaitGroup
	// cache writes hold it for reading; replaced is only set under the write lock
	writeGate *sync.RWMutex
	replaced  bool
}

// NewWorker creates a worker in the parsed state.
func NewWorker(config Config) (*Worker, error) {
	if config.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if !config.Origin.IsAbs() || config.Origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL: %q", config.Origin.String())
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("worker", config.Version).
		Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	manifest := config.Manifest
	if manifest == nil {
		manifest = DefaultManifest
	}
	fallback := config.Fallback
	if fallback == "" {
		fallback = DefaultFallback
	}
	concurrency := config.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	timeout := config.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hooks := config.Hooks
	if hooks.Sync == nil {
		hooks.Sync = DefaultSyncHandlers(logger)
	}
	if hooks.Notifier == nil {
		hooks.Notifier = NewNotificationCenter()
	}
	if hooks.Opener == nil {
		hooks.Opener = logOpener{log: logger}
	}
	if hooks.Notification == nil {
		n := DefaultNotification()
		hooks.Notification = &n
	}

	return &Worker{
		version:     config.Version,
		manifest:    append([]string(nil), manifest...),
		fallback:    fallback,
		storage:     config.Storage,
		keyer:       cachekey.NewCacheKeyer(config.Origin),
		client:      newClient(transport),
		seedClient:  &http.Client{Transport: transport},
		log:         logger,
		metrics:     config.Metrics,
		concurrency: concurrency,
		timeout:     timeout,
		hooks:       hooks,
		mutex:       &sync.Mutex{},
		state:       StateParsed,
		skipWaiting: config.SkipWaiting,
		writes:      &sync.WaitGroup{},
		writeGate:   &sync.RWMutex{},
	}, nil
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mutex.Lock()
	prev := w.state
	w.state = state
	w.mutex.Unlock()
	if prev != state {
		w.log.Info().Str("from", string(prev)).Str("to", string(state)).Msg("Worker state changed")
	}
}

// SkipWaiting flags the worker for activation without waiting for the previous version's clients.
func (w *Worker) SkipWaiting() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.skipWaiting = true
}

func (w *Worker) skipsWaiting() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.skipWaiting
}

// Wait blocks until all pending cache writes are done.
func (w *Worker) Wait() {
	w.writes.Wait()
}

// Install seeds the worker's generation with every manifest resource.
// Either all resources are stored or none are; on failure the worker is redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	err := w.install(ctx)
	w.metrics.installed(err)
	if err != nil {
		w.log.Error().Err(err).Msg("Install failed")
		w.setState(StateRedundant)
		return err
	}
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	urls := make([]*url.URL, len(w.manifest))
	for i, ref := range w.manifest {
		u, err := w.keyer.Resolve(ref)
		if err != nil {
			return &SeedError{URL: ref, Err: err}
		}
		urls[i] = u
	}

	existed, err := w.storage.Has(ctx, w.version)
	if err != nil {
		return fmt.Errorf("check generation %s: %w", w.version, err)
	}
	if existed && w.seeded(ctx, urls) {
		w.log.Info().Msg("Generation already seeded")
		return nil
	}

	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			entry, err := w.seed(gctx, u)
			entries[i] = entry
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	gen, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", w.version, err)
	}
	if err := gen.PutAll(ctx, entries); err != nil {
		if !existed {
			if _, delErr := w.storage.Delete(context.WithoutCancel(ctx), w.version); delErr != nil {
				w.log.Warn().Err(delErr).Msg("Could not remove partially seeded generation")
			}
		}
		return fmt.Errorf("seed generation %s: %w", w.version, err)
	}
	w.log.Info().Int("resources", len(entries)).Msg("Seeded generation")
	return nil
}

// seeded reports whether the stored generation already holds every manifest resource.
func (w *Worker) seeded(ctx context.Context, urls []*url.URL) bool {
	gen, ok, err := w.storage.Get(ctx, w.version)
	if err != nil || !ok {
		return false
	}
	keys, err := gen.Keys(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("Could not list generation keys")
		return false
	}
	stored := make(map[string]bool, len(keys))
	for _, key := range keys {
		stored[key] = true
	}
	for _, u := range urls {
		if !stored[w.keyer.Key(http.MethodGet, u)] {
			return false
		}
	}
	return true
}

func (w *Worker) seed(ctx context.Context, u *url.URL) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Entry{}, &SeedError{URL: u.String(), Err: err}
	}
	res, err := w.seedClient.Do(req)
	if err != nil {
		return cache.Entry{}, &SeedError{URL: u.String(), Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, &SeedError{URL: u.String(), Status: res.StatusCode}
	}
	snap, err := serializer.NewSnapshot(res, w.responseType(u, res))
	if err != nil {
		return cache.Entry{}, &SeedError{URL: u.String(), Status: res.StatusCode, Err: err}
	}
	// stored under the manifest URL even if redirected
	snap.Response.Request = req
	b, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return cache.Entry{}, &SeedError{URL: u.String(), Status: res.StatusCode, Err: err}
	}
	w.log.Trace().Str("url", u.String()).Int("status", res.StatusCode).Msg("Fetched manifest resource")
	return cache.Entry{Key: w.keyer.Key(http.MethodGet, u), Bytes: b}, nil
}

// Activate deletes every generation other than the worker's own.
// Fetches delivered while activating wait for it to finish.
func (w *Worker) Activate(ctx context.Context) error {
	activated, ok := w.beginActivation()
	if !ok {
		return nil
	}
	return w.activate(ctx, activated)
}

// beginActivation moves the worker to activating.
// It returns false if the worker is already activating or active.
func (w *Worker) beginActivation() (chan struct{}, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.state == StateActivating || w.state == StateActive {
		return nil, false
	}
	w.log.Info().Str("from", string(w.state)).Str("to", string(StateActivating)).Msg("Worker state changed")
	w.state = StateActivating
	w.activated = make(chan struct{})
	return w.activated, true
}

func (w *Worker) activate(ctx context.Context, activated chan struct{}) error {
	defer close(activated)

	// enumerate first, then delete
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if name == w.version {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			// left for the next activation
			w.log.Warn().Err(err).Str("generation", name).Msg("Could not delete stale generation")
			continue
		}
		w.metrics.generationDeleted()
		w.log.Info().Str("generation", name).Msg("Deleted stale generation")
	}
	w.setState(StateActive)
	return nil
}

// stopWrites waits for in-flight cache writes and rejects all later ones.
// It is called before a replacing worker deletes this worker's generation.
func (w *Worker) stopWrites() {
	w.writeGate.Lock()
	w.replaced = true
	w.writeGate.Unlock()
}

func (w *Worker) resumeWrites() {
	w.writeGate.Lock()
	w.replaced = false
	w.writeGate.Unlock()
}

func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
}

// awaitActivation blocks while the worker is activating.
func (w *Worker) awaitActivation(ctx context.Context) error {
	w.mutex.Lock()
	activating := w.state == StateActivating
	activated := w.activated
	w.mutex.Unlock()
	if !activating {
		return nil
	}
	select {
	case <-activated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch answers a request cache-first.
// The cache is always consulted before the network. Successful same-origin GET responses
// are written into the worker's generation without delaying the response. If the network
// fails the fallback document is returned; if that is not stored either, the error wraps ErrOffline.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, Action, error) {
	start := time.Now()
	res, action, err := w.fetch(ctx, r)
	w.metrics.fetched(action, start)
	return res, action, err
}

func (w *Worker) fetch(ctx context.Context, r *http.Request) (*http.Response, Action, error) {
	if err := w.awaitActivation(ctx); err != nil {
		return nil, ServeNetwork, err
	}
	target := w.keyer.Target(r)
	key := w.keyer.Key(r.Method, target)
	log := w.log.With().Str("key", key).Logger()

	var lookup Lookup
	var stored serializer.Snapshot
	if r.Method == http.MethodGet {
		stored, lookup.Hit = w.match(ctx, key)
	}
	if action := Decide(r.Method, lookup, nil); action == ServeCache {
		log.Trace().Msg("Serving from cache")
		return stored.NewResponse(), action, nil
	}

	res, err := w.forward(ctx, r, target)
	result := &NetworkResult{Err: err}
	if err == nil {
		result.Status = res.StatusCode
		result.Type = w.responseType(target, res)
	}
	action := Decide(r.Method, lookup, result)
	if action == ServeNetworkAndCache {
		snap, err := serializer.NewSnapshot(res, result.Type)
		if err == nil {
			w.storeAsync(key, snap)
			log.Trace().Msg("Serving from network, caching")
			return snap.NewResponse(), action, nil
		}
		// body broke off mid-stream
		result.Err = err
		action = Decide(r.Method, lookup, result)
	}
	if action == ServeFallback {
		log.Trace().Err(result.Err).Msg("Network failed, serving fallback")
		return w.serveFallback(ctx, result.Err)
	}
	log.Trace().Int("status", result.Status).Str("type", string(result.Type)).Msg("Serving from network")
	return res, action, nil
}

func (w *Worker) forward(ctx context.Context, r *http.Request, target *url.URL) (*http.Response, error) {
	return forward(ctx, w.client, r, target)
}

// forward sends a copy of the request to its target.
func forward(ctx context.Context, client *http.Client, r *http.Request, target *url.URL) (*http.Response, error) {
	req := r.Clone(ctx)
	req.URL = target
	req.Host = ""
	req.RequestURI = ""
	req.Header.Del(clientHeaderName)
	return client.Do(req)
}

func (w *Worker) serveFallback(ctx context.Context, cause error) (*http.Response, Action, error) {
	u, err := w.keyer.Resolve(w.fallback)
	if err != nil {
		return nil, ServeFallback, offlineError{cause: cause}
	}
	snap, ok := w.match(ctx, w.keyer.Key(http.MethodGet, u))
	if !ok {
		return nil, ServeFallback, offlineError{cause: cause}
	}
	return snap.NewResponse(), ServeFallback, nil
}

// match looks the key up in all generations, the worker's own first.
// Lookup errors count as misses.
func (w *Worker) match(ctx context.Context, key string) (serializer.Snapshot, bool) {
	b, ok, err := cache.Match(ctx, w.storage, w.version, key)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		return serializer.Snapshot{}, false
	}
	if !ok {
		return serializer.Snapshot{}, false
	}
	snap, err := serializer.BytesToSnapshot(b)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("Removing corrupt cache entry")
		w.evict(ctx, key)
		return serializer.Snapshot{}, false
	}
	return snap, true
}

// evict deletes the key from every generation.
func (w *Worker) evict(ctx context.Context, key string) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("Could not remove corrupt cache entry")
		return
	}
	for _, name := range names {
		gen, ok, err := w.storage.Get(ctx, name)
		if err == nil && ok {
			_, err = gen.Delete(ctx, key)
		}
		if err != nil {
			w.log.Warn().Err(err).Str("generation", name).Str("key", key).Msg("Could not remove corrupt cache entry")
		}
	}
}

// storeAsync writes the snapshot into the worker's generation in the background.
// Failures are logged and counted only.
func (w *Worker) storeAsync(key string, snap serializer.Snapshot) {
	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.store(ctx, key, snap); err != nil {
			w.metrics.writeFailed()
			w.log.Warn().Err(err).Str("key", key).Msg("Could not write response to cache")
		}
	}()
}

func (w *Worker) store(ctx context.Context, key string, snap serializer.Snapshot) error {
	w.writeGate.RLock()
	defer w.writeGate.RUnlock()
	// a replaced worker must not recreate its evicted generation
	if w.replaced || w.State() == StateRedundant {
		w.log.Trace().Str("key", key).Msg("Worker redundant, not caching")
		return nil
	}
	b, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return err
	}
	gen, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", w.version, err)
	}
	if err := gen.Put(ctx, key, b); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	w.log.Trace().Str("key", key).Msg("Wrote response to cache")
	return nil
}

// newClient creates a client for intercepted requests.
func newClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		// redirects are handed to the page as-is
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// responseType classifies the response to a request for target.
func (w *Worker) responseType(target *url.URL, res *http.Response) serializer.ResponseType {
	if w.keyer.SameOrigin(target) {
		return serializer.ResponseTypeBasic
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		return serializer.ResponseTypeCors
	}
	return serializer.ResponseTypeOpaque
}
