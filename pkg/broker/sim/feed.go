package sim

import (
	"context"
	"sync"
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// Feed is an in-memory broker.TickFeed. Tests push ticks with Push; dry-run
// mode can generate a random walk with StartWalk.
type Feed struct {
	mu         sync.Mutex
	ch         chan broker.Tick
	connected  bool
	subscribed []string
}

// NewFeed creates a disconnected simulated feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Connect implements broker.TickFeed.
func (f *Feed) Connect(ctx context.Context, creds broker.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		f.ch = make(chan broker.Tick, 64)
	}
	f.connected = true
	return nil
}

// Subscribe implements broker.TickFeed.
func (f *Feed) Subscribe(symbol, exchange string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbol+"@"+exchange)
	return nil
}

// Disconnect implements broker.TickFeed.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch != nil {
		close(f.ch)
		f.ch = nil
	}
	f.connected = false
}

// Ticks implements broker.TickFeed.
func (f *Feed) Ticks() <-chan broker.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		f.ch = make(chan broker.Tick, 64)
	}
	return f.ch
}

// Push delivers one tick to the subscriber. Dropped when disconnected.
func (f *Feed) Push(t broker.Tick) {
	f.mu.Lock()
	ch := f.ch
	connected := f.connected
	f.mu.Unlock()
	if !connected || ch == nil {
		return
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	select {
	case ch <- t:
	default:
	}
}

// Subscriptions returns every symbol@exchange subscription seen so far.
func (f *Feed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribed))
	copy(out, f.subscribed)
	return out
}
