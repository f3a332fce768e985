package localstore

import (
	"context"
	"sync"
)

// Collection names a record collection in the durable store.
type Collection string

const (
	// CollectionPages is the committed pages collection.
	CollectionPages Collection = "pages"
	// CollectionPendingWrites is the durable queue of unacknowledged mutations.
	CollectionPendingWrites Collection = "pending_writes"
)

// Event describes a mutation of the durable store. Consumers react to events
// instead of polling; a dropped event only delays work until the next tick.
type Event struct {
	UserID     string
	Collection Collection
	PageIDs    []string
}

// Notifier fans out store mutations to per-user subscribers. Delivery is
// best effort: a subscriber with a full buffer misses the event rather than
// blocking the writer.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewNotifier constructs a Notifier with a small per-subscriber buffer.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for events about one user's records. The subscription
// ends when the context is cancelled or the returned cleanup is called.
func (n *Notifier) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	if userID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     n.nextSequence(),
		stream: make(chan Event, n.bufferSize),
	}
	n.register(userID, sub)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			n.unregister(userID, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers an event to every subscriber of its user.
func (n *Notifier) Publish(event Event) {
	if event.UserID == "" || event.Collection == "" {
		return
	}
	n.mu.RLock()
	subscribers := n.subscribers[event.UserID]
	if len(subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	n.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) register(userID string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[userID]; !ok {
		n.subscribers[userID] = make(map[int64]*subscriber)
	}
	n.subscribers[userID][sub.id] = sub
}

func (n *Notifier) unregister(userID string, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, userID)
		}
	}
	n.mu.Unlock()
}
