// Package notify dispatches fire-and-forget observability events.
// Delivery failures never reach the token or quota state machines.
package notify

import (
	"context"
	"log"
	"sync"
	"time"
)

// Event types emitted by the core.
const (
	EventTokenRefreshed      = "token.refreshed"
	EventTokenRefreshFailed  = "token.refresh_failed"
	EventRateLimitUpdated    = "ratelimit.updated"
	EventRateLimitApproached = "ratelimit.approaching"
	EventTokenExpiryWarning  = "token.expiry_warning"
)

// Event is one observability signal tied to a connection.
type Event struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connection_id"`
	Time         time.Time      `json:"time"`
	Data         map[string]any `json:"data,omitempty"`
}

// Notifier delivers events to one sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Hub fans events out to all registered notifiers asynchronously.
type Hub struct {
	mu        sync.RWMutex
	notifiers []Notifier
	timeout   time.Duration
}

func NewHub() *Hub {
	return &Hub{timeout: 10 * time.Second}
}

// Register adds a notifier to the fan-out set.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, n)
}

// Publish delivers the event to every notifier in the background.
// Errors are logged and dropped.
func (h *Hub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	h.mu.RLock()
	targets := make([]Notifier, len(h.notifiers))
	copy(targets, h.notifiers)
	h.mu.RUnlock()

	for _, n := range targets {
		go func(n Notifier) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("⚠️ notifier %s panicked on %s: %v", n.Name(), event.Type, r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()
			if err := n.Notify(ctx, event); err != nil {
				log.Printf("⚠️ notifier %s failed on %s: %v", n.Name(), event.Type, err)
			}
		}(n)
	}
}
