// Package notify surfaces server-pushed events as user notifications. It
// shares the process with the interception agent but carries no data
// correctness guarantees: a lost notification is cosmetic.
package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// DefaultMaxNotifications bounds the in-memory ring.
const DefaultMaxNotifications = 100

// ErrNotFound is returned when dismissing an unknown notification.
var ErrNotFound = errors.New("notify: not found")

// Notification is one displayable push event with its two actions: view
// details (URL) and dismiss.
type Notification struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	URL        string    `json:"url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Center holds recent notifications in a bounded ring, oldest evicted
// first.
type Center struct {
	mu    sync.Mutex
	items []*Notification
	max   int
	log   *slog.Logger
	clock func() time.Time
}

// NewCenter creates a Center; max <= 0 uses the default.
func NewCenter(max int, logger *slog.Logger) *Center {
	if max <= 0 {
		max = DefaultMaxNotifications
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{max: max, log: logger, clock: time.Now}
}

// Ingest parses a raw push payload. Only title, body and url are read;
// everything else in the payload is ignored. A payload without a title
// gets a generic one rather than being rejected.
func (c *Center) Ingest(raw []byte) (*Notification, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("notify: invalid push payload")
	}

	title := gjson.GetBytes(raw, "title").String()
	if title == "" {
		title = "New notification"
	}
	n := &Notification{
		ID:         uuid.NewString(),
		Title:      title,
		Body:       gjson.GetBytes(raw, "body").String(),
		URL:        gjson.GetBytes(raw, "url").String(),
		ReceivedAt: c.clock().UTC(),
	}

	c.mu.Lock()
	c.items = append(c.items, n)
	if len(c.items) > c.max {
		c.items = c.items[len(c.items)-c.max:]
	}
	c.mu.Unlock()

	c.log.Info("notification received", "id", n.ID, "title", n.Title)
	return n, nil
}

// List returns current notifications, newest first.
func (c *Center) List() []*Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Notification, len(c.items))
	for i, n := range c.items {
		out[len(c.items)-1-i] = n
	}
	return out
}

// Dismiss removes one notification by id.
func (c *Center) Dismiss(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
