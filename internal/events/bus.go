// Package events carries the daemon's internal traffic: a topic-keyed
// publish/subscribe bus with typed message envelopes. Publishing never
// blocks; a subscriber that falls behind loses messages rather than stalling
// the trading path.
package events

import (
	"sync"
)

// Message is the envelope delivered to subscribers. Payload holds the
// topic's payload type (see types.go).
type Message struct {
	Topic   Event
	Payload any
}

// Subscription is one reader over a set of topics. Receive from C; call
// Close when done.
type Subscription struct {
	// C delivers messages for the subscribed topics. Closed by Close.
	C <-chan Message

	bus    *Bus
	ch     chan Message
	topics []Event
	closed bool
}

// Bus fans published messages out to topic subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event]map[*Subscription]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[*Subscription]struct{})}
}

// Subscribe opens one subscription covering all the given topics. The buffer
// bounds how far the reader may fall behind before messages drop.
func (b *Bus) Subscribe(buffer int, topics ...Event) *Subscription {
	ch := make(chan Message, buffer)
	s := &Subscription{C: ch, bus: b, ch: ch, topics: topics}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		readers := b.subs[topic]
		if readers == nil {
			readers = make(map[*Subscription]struct{})
			b.subs[topic] = readers
		}
		readers[s] = struct{}{}
	}
	return s
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, topic := range s.topics {
		readers := b.subs[topic]
		delete(readers, s)
		if len(readers) == 0 {
			delete(b.subs, topic)
		}
	}
	// No publisher holds a reference anymore; publishers send under the
	// read lock this Close already excluded.
	close(s.ch)
}

// Publish delivers payload to every subscription of the topic. Never blocks:
// a full subscription buffer drops the message for that reader only.
func (b *Bus) Publish(topic Event, payload any) {
	msg := Message{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[topic] {
		select {
		case s.ch <- msg:
		default:
		}
	}
}
