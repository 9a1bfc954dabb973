package notification

import (
	"sync"
	"time"
)

// Event is one user-facing alert produced by the services, buffered until a
// client drains it.
type Event struct {
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Center is the in-process notification buffer. Delivery to external
// channels is out of scope; clients poll and drain.
type Center struct {
	mu     sync.Mutex
	events []Event
}

func NewCenter() *Center {
	return &Center{events: make([]Event, 0)}
}

func (c *Center) Push(userID int64, kind, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now(),
	})
}

// Drain returns and removes the pending events for one user.
func (c *Center) Drain(userID int64) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	drained := make([]Event, 0)
	kept := c.events[:0]
	for _, ev := range c.events {
		if ev.UserID == userID {
			drained = append(drained, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	c.events = kept
	return drained
}
