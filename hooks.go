package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message types accepted from pages.
const MessageSkipWaiting = "SKIP_WAITING"

// Action a page passes to open the application from a notification.
const NotificationActionOpen = "open"

// ErrNotificationNotFound is returned when closing a notification that is not open.
var ErrNotificationNotFound = errors.New("notification not found")

// Message is a command sent by a page.
type Message struct {
	Type string `json:"type"`
}

type NotificationAction struct {
	Action string `json:"action" yaml:"action"`
	Title  string `json:"title" yaml:"title"`
}

// Notification is a displayable notification.
type Notification struct {
	ID      string               `json:"id,omitempty" yaml:"-"`
	Title   string               `json:"title" yaml:"title"`
	Body    string               `json:"body" yaml:"body"`
	Icon    string               `json:"icon,omitempty" yaml:"icon"`
	Badge   string               `json:"badge,omitempty" yaml:"badge"`
	Vibrate []int                `json:"vibrate,omitempty" yaml:"vibrate"`
	Tag     string               `json:"tag,omitempty" yaml:"tag"`
	Actions []NotificationAction `json:"actions,omitempty" yaml:"actions"`
}

// DefaultNotification is the notification shown for a push without a payload.
func DefaultNotification() Notification {
	return Notification{
		Title:   "Cronograma Marinha",
		Body:    "Hora de estudar! 📚",
		Icon:    "/icon-192.png",
		Badge:   "/icon-72.png",
		Vibrate: []int{200, 100, 200},
		Tag:     "cronograma-notification",
		Actions: []NotificationAction{
			{Action: NotificationActionOpen, Title: "Abrir Cronograma"},
			{Action: "close", Title: "Fechar"},
		},
	}
}

// Notifier displays notifications.
type Notifier interface {
	// Show displays the notification and returns its id.
	Show(ctx context.Context, n Notification) (string, error)
	// Close dismisses the notification with the given id.
	Close(ctx context.Context, id string) error
}

// WindowOpener opens a page of the application.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// SyncHandler runs a background synchronization.
type SyncHandler func(ctx context.Context) error

// Hooks are the collaborators the auxiliary events are handed to.
type Hooks struct {
	// Handlers by sync tag. Unknown tags are ignored.
	Sync map[string]SyncHandler
	// Defaults to an in-memory NotificationCenter.
	Notifier Notifier
	// Defaults to an opener that only logs.
	Opener WindowOpener
	// Template for push notifications. Defaults to DefaultNotification.
	Notification *Notification
}

// DefaultSyncHandlers registers the placeholder handler for the sync-data tag.
func DefaultSyncHandlers(logger zerolog.Logger) map[string]SyncHandler {
	return map[string]SyncHandler{
		"sync-data": func(ctx context.Context) error {
			logger.Info().Msg("Synchronizing data")
			return nil
		},
	}
}

// NotificationCenter keeps shown notifications in memory.
type NotificationCenter struct {
	mutex         *sync.Mutex
	order         []string
	notifications map[string]Notification
}

func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{
		mutex:         &sync.Mutex{},
		notifications: make(map[string]Notification),
	}
}

func (c *NotificationCenter) Show(ctx context.Context, n Notification) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	// a notification with the same tag replaces the previous one
	if n.Tag != "" {
		for id, existing := range c.notifications {
			if existing.Tag == n.Tag {
				c.remove(id)
			}
		}
	}
	n.ID = uuid.NewString()
	c.notifications[n.ID] = n
	c.order = append(c.order, n.ID)
	return n.ID, nil
}

func (c *NotificationCenter) Close(ctx context.Context, id string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.notifications[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	c.remove(id)
	return nil
}

// List returns the open notifications, oldest first.
func (c *NotificationCenter) List() []Notification {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	list := make([]Notification, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.notifications[id])
	}
	return list
}

func (c *NotificationCenter) remove(id string) {
	delete(c.notifications, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

type logOpener struct {
	log zerolog.Logger
}

func (o logOpener) OpenWindow(ctx context.Context, url string) error {
	o.log.Info().Str("url", url).Msg("Opening window")
	return nil
}

// Sync runs the handler registered for the tag.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	handler, ok := w.hooks.Sync[tag]
	if !ok {
		w.log.Trace().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return nil
	}
	if err := handler(ctx); err != nil {
		return fmt.Errorf("sync %s: %w", tag, err)
	}
	return nil
}

// Push shows a notification. The payload, if present, replaces the default body.
func (w *Worker) Push(ctx context.Context, payload *string) (Notification, error) {
	n := *w.hooks.Notification
	n.Vibrate = append([]int(nil), n.Vibrate...)
	n.Actions = append([]NotificationAction(nil), n.Actions...)
	if payload != nil {
		n.Body = *payload
	}
	id, err := w.hooks.Notifier.Show(ctx, n)
	if err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	n.ID = id
	w.log.Debug().Str("notification", id).Str("body", n.Body).Msg("Showed notification")
	return n, nil
}

// NotificationClick closes the notification and, for the open action, opens the root page.
func (w *Worker) NotificationClick(ctx context.Context, id, action string) error {
	if err := w.hooks.Notifier.Close(ctx, id); err != nil {
		return err
	}
	if action != NotificationActionOpen {
		return nil
	}
	root, err := w.keyer.Resolve("/")
	if err != nil {
		return err
	}
	return w.hooks.Opener.OpenWindow(ctx, root.String())
}
