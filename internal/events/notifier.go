package events

import (
	"sync"
	"time"

	"github.com/qforce/netengine/internal/models"
)

// Type identifies an engine notification.
type Type string

const (
	// ReachabilityChanged carries the new connectivity class.
	ReachabilityChanged Type = "reachability_changed"

	// CancelledAll fires after the engine cancelled every operation.
	CancelledAll Type = "cancelled_all"

	// Suspended fires when admission is frozen.
	Suspended Type = "suspended"

	// Resumed fires when admission restarts.
	Resumed Type = "resumed"
)

// Event is an engine state transition delivered to subscribers.
type Event struct {
	Type         Type
	Timestamp    time.Time
	Reachability models.Reachability // Set for ReachabilityChanged
	Tag          string              // Set for tag-scoped cancellation
}

// Notifier fans engine events out to any number of subscribers. Delivery
// is at-most-once per subscriber per event: a subscriber that falls behind
// its buffer misses events rather than blocking the engine.
type Notifier struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
	logger *Logger
}

// NewNotifier creates an event notifier.
func NewNotifier(logger *Logger) *Notifier {
	return &Notifier{
		logger: logger.WithField("component", "notifier"),
	}
}

// Subscribe registers a new subscriber channel.
func (n *Notifier) Subscribe() <-chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, 16)
	if n.closed {
		close(ch)
		return ch
	}
	n.subs = append(n.subs, ch)
	return ch
}

// Publish delivers an event to all subscribers without blocking.
func (n *Notifier) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	for _, ch := range n.subs {
		select {
		case ch <- event:
		default:
			n.logger.WithField("type", string(event.Type)).Debug("Subscriber buffer full, dropping event")
		}
	}
}

// Close terminates all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}
