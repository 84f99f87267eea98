// Package session tracks authenticated client sessions. Each session may own
// at most one execution engine; destroying the session always stops the
// engine through its full flatten sequence first, so an expired or closed
// client can never leave an unattended engine behind.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/algo"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/metrics"
)

var (
	ErrSessionNotFound = errors.New("session not found or expired")
	ErrInvalidToken    = errors.New("invalid session token")
	ErrEngineActive    = errors.New("session already has an active engine")
)

// Session is one authenticated client. LastSeen drives the idle TTL.
type Session struct {
	ID            string
	ConnectionKey string
	CreatedAt     time.Time
	LastSeen      time.Time

	runner *algo.Runner
}

// Info is a transport-safe session snapshot.
type Info struct {
	ID            string    `json:"session_id"`
	ConnectionKey string    `json:"connection_key,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	EngineState   string    `json:"engine_state,omitempty"`
}

// Registry owns the session map and its idle sweep.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	secret []byte
	ttl    time.Duration
	sweep  time.Duration

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. Tokens are signed with secret; sessions
// idle longer than ttl are destroyed by the sweep.
func NewRegistry(secret string, ttl, sweep time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &Registry{
		sessions: make(map[string]*Session),
		secret:   []byte(secret),
		ttl:      ttl,
		sweep:    sweep,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Run starts the idle sweep until ctx is done or Stop is called.
func (r *Registry) Run(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep and destroys every remaining session, stopping their
// engines with a full flatten.
func (r *Registry) Stop(ctx context.Context) {
	close(r.stopCh)
	r.wg.Wait()
	for _, id := range r.ids() {
		if err := r.Destroy(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("session: destroy %s on shutdown: %v", id, err)
		}
	}
}

// Create registers a new session bound to a connection key and returns it
// with a signed bearer token.
func (r *Registry) Create(connectionKey string) (*Session, string, error) {
	now := r.now()
	s := &Session{
		ID:            uuid.NewString(),
		ConnectionKey: connectionKey,
		CreatedAt:     now,
		LastSeen:      now,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sid": s.ID,
		"iat": now.Unix(),
		"exp": now.Add(r.ttl).Unix(),
	})
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return nil, "", fmt.Errorf("sign session token: %w", err)
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	return s, signed, nil
}

// Authenticate validates a bearer token and refreshes the session's TTL.
func (r *Registry) Authenticate(tokenString string) (*Session, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return nil, ErrInvalidToken
	}
	return r.Touch(sid)
}

// Touch refreshes a session's idle timer.
func (r *Registry) Touch(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.LastSeen = r.now()
	return s, nil
}

// Get returns a session without refreshing its timer.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of every live session.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		info := Info{ID: s.ID, ConnectionKey: s.ConnectionKey, CreatedAt: s.CreatedAt}
		if s.runner != nil {
			info.EngineState = s.runner.State().String()
		}
		out = append(out, info)
	}
	return out
}

// AttachEngine binds a runner to the session. A session holds at most one
// engine; a previous engine must have fully stopped before a new one may be
// attached.
func (r *Registry) AttachEngine(id string, runner *algo.Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.runner != nil && s.runner.State() != algo.StateStopped {
		return ErrEngineActive
	}
	s.runner = runner
	return nil
}

// Engine returns the session's runner, or nil.
func (r *Registry) Engine(id string) (*algo.Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.runner, nil
}

// Destroy stops the session's engine (flattening the account) and removes
// the session.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	runner := s.runner
	delete(r.sessions, id)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if runner != nil {
		if err := runner.Stop(ctx, algo.ReasonSession); err != nil {
			return fmt.Errorf("stop engine for session %s: %w", id, err)
		}
	}
	return nil
}

// Sweep destroys every session idle past the TTL.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		log.Printf("session: %s idle past TTL, destroying", id)
		if err := r.Destroy(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("session: destroy expired %s: %v", id, err)
		}
	}
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}
