package events

import (
	"sync"
	"time"
)

// Notification is one live bus event. The durable log in the events table is
// the source of truth; the bus only exists so subscribers see changes without
// polling.
type Notification struct {
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus fans notifications out to per-project subscribers. Delivery is
// best-effort and at-most-once: a subscriber whose buffer is full misses the
// notification rather than blocking a worker.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Notification
	next int
	Now  func() time.Time
}

const subscriberBuffer = 64

func NewBus() *Bus {
	return &Bus{subs: map[string]map[int]chan Notification{}}
}

// Subscribe returns a channel of notifications for the project and a cancel
// function. The channel is closed on cancel.
func (b *Bus) Subscribe(projectID string) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Notification, subscriberBuffer)
	if b.subs[projectID] == nil {
		b.subs[projectID] = map[int]chan Notification{}
	}
	id := b.next
	b.next++
	b.subs[projectID][id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[projectID][id]; ok {
			delete(b.subs[projectID], id)
			close(sub)
		}
	}
}

// Publish delivers to every subscriber of the notification's project,
// dropping when a subscriber's buffer is full.
func (b *Bus) Publish(n Notification) {
	if n.TS == "" {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		n.TS = now().UTC().Format(time.RFC3339)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[n.ProjectID] {
		select {
		case ch <- n:
		default:
		}
	}
}

// SubscriberCount reports active subscribers for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
