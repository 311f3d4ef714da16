// Package status delivers state transitions to subscribers: a push channel
// per document, and an adaptive-polling contract for subscribers that cannot
// hold a push connection. Polling the store after a terminal event is always
// authoritative, so push delivery is fire-and-forget.
package status

import (
	"log"
	"sync"

	"github.com/agridoc/backend/internal/model"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses events; the polling fallback is the correctness
// backstop, not the push stream.
const subscriberBuffer = 16

// Subscription is one subscriber's view of a document's event stream.
type Subscription struct {
	documentID string
	ch         chan *model.StatusEvent
	cancel     func()
	once       sync.Once
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is cancelled.
func (s *Subscription) Events() <-chan *model.StatusEvent {
	return s.ch
}

// Cancel detaches the subscriber. Safe to call more than once; pipeline
// progress is unaffected.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Broker fans StatusEvents out to per-document subscribers. Channels are
// scoped per document so one tenant's subscribers never observe another's
// transitions.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // document ID -> subscribers
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for one document's events.
func (b *Broker) Subscribe(documentID string) *Subscription {
	sub := &Subscription{
		documentID: documentID,
		ch:         make(chan *model.StatusEvent, subscriberBuffer),
	}
	sub.cancel = func() { b.unsubscribe(sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[documentID] == nil {
		b.subs[documentID] = make(map[*Subscription]struct{})
	}
	b.subs[documentID][sub] = struct{}{}
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.documentID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.documentID)
	}
	close(sub.ch)
}

// Publish delivers an event to every subscriber of its document without
// blocking: a slow subscriber's event is dropped, never the publisher's
// progress.
func (b *Broker) Publish(event *model.StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[event.DocumentID] {
		select {
		case sub.ch <- event:
		default:
			log.Printf("[status] dropping event %s->%s for slow subscriber of document %s",
				event.FromStage, event.ToStage, event.DocumentID)
		}
	}
}

// SubscriberCount reports the number of live subscribers for a document.
func (b *Broker) SubscriberCount(documentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[documentID])
}
