// Package reconnect runs the background health sweep that repairs dropped
// venue connections, throttled by a per-connection attempt budget so a venue
// outage never turns into a login storm.
package reconnect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/daemon"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/metrics"
)

// Policy bounds automatic reconnect attempts per connection.
type Policy struct {
	// MinInterval is the minimum gap between two attempts for one key.
	MinInterval time.Duration
	// MaxPerDay caps attempts per rolling 24h window for one key.
	MaxPerDay int
	// SweepInterval is how often the health sweep runs.
	SweepInterval time.Duration
}

// DefaultPolicy matches unattended operation: at most one attempt per hour
// and ten per day per connection.
func DefaultPolicy() Policy {
	return Policy{
		MinInterval:   time.Hour,
		MaxPerDay:     10,
		SweepInterval: 30 * time.Second,
	}
}

// budget tracks the attempt history for one connection key.
type budget struct {
	lastAttempt time.Time
	windowStart time.Time
	attempts    int
}

// Manager sweeps the daemon's records and reconnects unhealthy ones within
// the policy budget. Only connections it has itself observed healthy are
// eligible: entries restored in a disconnected state wait for a manual
// reconnect rather than burning budget on a login known to fail.
type Manager struct {
	d      *daemon.Daemon
	policy Policy

	mu           sync.Mutex
	budgets      map[string]*budget
	wasConnected map[string]bool

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a manager over the daemon's connection set.
func New(d *daemon.Daemon, policy Policy) *Manager {
	if policy.MinInterval <= 0 {
		policy.MinInterval = time.Hour
	}
	if policy.MaxPerDay <= 0 {
		policy.MaxPerDay = 10
	}
	if policy.SweepInterval <= 0 {
		policy.SweepInterval = 30 * time.Second
	}
	return &Manager{
		d:            d,
		policy:       policy,
		budgets:      make(map[string]*budget),
		wasConnected: make(map[string]bool),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Run executes the periodic sweep until ctx is done or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.policy.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Sweep checks every record once and repairs what the budget allows.
func (m *Manager) Sweep(ctx context.Context) {
	for _, key := range m.d.Keys() {
		healthy, known := m.d.Healthy(key)
		if !known {
			continue
		}
		if healthy {
			m.mu.Lock()
			m.wasConnected[key] = true
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		eligible := m.wasConnected[key]
		m.mu.Unlock()
		if !eligible {
			continue
		}

		if !m.allow(key) {
			m.d.SetStatus(key, daemon.StatusRateLimited, nil)
			metrics.ReconnectRateLimited.WithLabelValues(key).Inc()
			continue
		}

		metrics.ReconnectAttempts.WithLabelValues(key).Inc()
		if err := m.d.Reconnect(ctx, key); err != nil {
			// The attempt is spent either way; the next sweep consults the
			// budget again.
			log.Printf("reconnect: %s failed: %v", key, err)
		}
	}
}

// allow consumes one attempt from the key's budget if available.
func (m *Manager) allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.budgets[key]
	if !ok {
		b = &budget{}
		m.budgets[key] = b
	}

	if !b.lastAttempt.IsZero() && now.Sub(b.lastAttempt) < m.policy.MinInterval {
		return false
	}
	if now.Sub(b.windowStart) >= 24*time.Hour {
		b.windowStart = now
		b.attempts = 0
	}
	if b.attempts >= m.policy.MaxPerDay {
		return false
	}

	if b.attempts == 0 {
		b.windowStart = now
	}
	b.attempts++
	b.lastAttempt = now
	return true
}

// Forget drops all state for a key, used when the record is destroyed.
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.budgets, key)
	delete(m.wasConnected, key)
}
