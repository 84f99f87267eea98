// Package daemon maintains the connectionKey -> ConnectionRecord mapping:
// one persistent, authenticated venue connection per (user, broker) pair,
// persisted to durable storage and restored across restarts.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/crypto"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/db"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/metrics"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrLoginInFlight      = errors.New("login already in flight for this connection")
	ErrNotConnected       = errors.New("connection has no live handle")
)

// Config holds daemon tuning.
type Config struct {
	PersistInterval     time.Duration
	RestoreAttempts     int
	RestoreRetryDelay   time.Duration
	VenueCallsPerMinute int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PersistInterval:     time.Minute,
		RestoreAttempts:     3,
		RestoreRetryDelay:   5 * time.Second,
		VenueCallsPerMinute: 30,
	}
}

// Daemon owns the connection map. External actors read through accessors;
// the map itself is never exposed.
type Daemon struct {
	mu       sync.Mutex
	records  map[string]*ConnectionRecord
	inflight map[string]struct{}

	store   *db.Store
	enc     *crypto.Encryptor // nil disables credential encryption at rest
	bus     *events.Bus
	factory broker.HandleFactory
	limiter *rate.Limiter

	cfg   Config
	now   func() time.Time
	sleep func(d time.Duration)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a daemon. The factory builds fresh, unauthenticated handles.
func New(store *db.Store, enc *crypto.Encryptor, bus *events.Bus, factory broker.HandleFactory, cfg Config) *Daemon {
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = time.Minute
	}
	if cfg.RestoreAttempts <= 0 {
		cfg.RestoreAttempts = 3
	}
	if cfg.RestoreRetryDelay <= 0 {
		cfg.RestoreRetryDelay = 5 * time.Second
	}
	if cfg.VenueCallsPerMinute <= 0 {
		cfg.VenueCallsPerMinute = 30
	}
	return &Daemon{
		records:  make(map[string]*ConnectionRecord),
		inflight: make(map[string]struct{}),
		store:    store,
		enc:      enc,
		bus:      bus,
		factory:  factory,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.VenueCallsPerMinute)/60.0), cfg.VenueCallsPerMinute),
		cfg:      cfg,
		now:      time.Now,
		sleep:    time.Sleep,
		stopCh:   make(chan struct{}),
	}
}

// Run starts the periodic persistence loop until ctx is done or Stop is
// called.
func (d *Daemon) Run(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				if err := d.persist(ctx); err != nil {
					log.Printf("daemon: periodic persist failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts background work and persists a final snapshot.
func (d *Daemon) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	if err := d.persist(context.Background()); err != nil {
		log.Printf("daemon: final persist failed: %v", err)
	}
}

// Login establishes (or returns) the connection for the given credentials.
// Two calls for the same key never race: the second gets ErrLoginInFlight.
func (d *Daemon) Login(ctx context.Context, creds broker.Credentials) ([]broker.Account, error) {
	key := creds.ConnectionKey()

	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return nil, ErrLoginInFlight
	}
	if rec, ok := d.records[key]; ok && rec.Handle != nil && rec.Handle.LoggedIn() {
		accounts := make([]broker.Account, len(rec.Accounts))
		copy(accounts, rec.Accounts)
		d.mu.Unlock()
		return accounts, nil
	}
	d.inflight[key] = struct{}{}
	rec, ok := d.records[key]
	if !ok {
		rec = &ConnectionRecord{Key: key, Credentials: creds}
		d.records[key] = rec
	}
	rec.Credentials = creds
	rec.Status = StatusConnecting
	d.mu.Unlock()
	d.broadcast(key, StatusConnecting, nil)

	accounts, err := d.connect(ctx, creds, broker.LoginOptions{})

	d.mu.Lock()
	delete(d.inflight, key)
	if err != nil {
		rec.Handle = nil
		rec.Status = StatusDisconnected
		rec.LastError = err.Error()
		d.mu.Unlock()
		d.broadcast(key, StatusDisconnected, err)
		return nil, err
	}
	d.mu.Unlock()
	return accounts, nil
}

// connect builds, authenticates, and installs a handle for creds. Callers
// hold the in-flight slot for the key.
func (d *Daemon) connect(ctx context.Context, creds broker.Credentials, opts broker.LoginOptions) ([]broker.Account, error) {
	h := d.factory(creds)
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("venue call limiter: %w", err)
	}
	accounts, err := h.Login(ctx, creds, opts)
	if err != nil {
		return nil, fmt.Errorf("venue login: %w", err)
	}

	key := creds.ConnectionKey()
	d.mu.Lock()
	rec := d.records[key]
	if rec == nil {
		rec = &ConnectionRecord{Key: key, Credentials: creds}
		d.records[key] = rec
	}
	old := rec.Handle
	rec.Handle = h
	rec.Status = StatusConnected
	rec.ConnectedAt = d.now()
	rec.LastError = ""
	if len(accounts) > 0 {
		rec.Accounts = accounts
	}
	out := make([]broker.Account, len(rec.Accounts))
	copy(out, rec.Accounts)
	d.mu.Unlock()

	// Disconnect outside the lock: a handle may emit its disconnect event
	// synchronously, and the listener takes the daemon mutex.
	if old != nil && old != h {
		old.Disconnect()
	}
	d.rearm(key, h)
	d.broadcast(key, StatusConnected, nil)
	if err := d.persist(ctx); err != nil {
		log.Printf("daemon: persist after connect failed: %v", err)
	}
	return out, nil
}

// rearm wires the handle's push events back into the daemon bus so
// dependent engines observe a reconnected handle transparently.
func (d *Daemon) rearm(key string, h broker.Handle) {
	evs := h.Events()
	evs.OnDisconnect(func(err error) {
		// Ignore events from a handle that has since been replaced. The
		// record and handle stay; the health sweep owns the repair.
		if d.HandleFor(key) == h {
			d.SetStatus(key, StatusDisconnected, err)
		}
	})
	evs.OnPnL(func(accountID string, snap broker.PnLSnapshot) {
		d.bus.Publish(events.EventPnL, events.PnLEvent{AccountID: accountID, Snapshot: snap})
	})
	evs.OnPosition(func(p broker.Position) {
		d.bus.Publish(events.EventPosition, p)
	})
}

// Reconnect discards the record's handle and authenticates a fresh one,
// reusing the cached account list to conserve venue quota. Called by the
// reconnect manager; also serves manual reconnect requests.
func (d *Daemon) Reconnect(ctx context.Context, key string) error {
	d.mu.Lock()
	rec, ok := d.records[key]
	if !ok {
		d.mu.Unlock()
		return ErrConnectionNotFound
	}
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return ErrLoginInFlight
	}
	d.inflight[key] = struct{}{}
	creds := rec.Credentials
	cached := make([]broker.Account, len(rec.Accounts))
	copy(cached, rec.Accounts)
	old := rec.Handle
	rec.Handle = nil
	rec.Status = StatusReconnecting
	d.mu.Unlock()

	d.broadcast(key, StatusReconnecting, nil)
	if old != nil {
		old.Disconnect()
	}

	opts := broker.LoginOptions{SkipFetchAccounts: true, CachedAccounts: cached}
	if !validAccounts(cached) {
		// Corrupt or empty cache: spend the quota on a full fetch.
		opts = broker.LoginOptions{}
	}
	_, err := d.connect(ctx, creds, opts)

	d.mu.Lock()
	delete(d.inflight, key)
	if err != nil {
		rec.Status = StatusDisconnected
		rec.LastError = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		d.broadcast(key, StatusDisconnected, err)
		if perr := d.persist(ctx); perr != nil {
			log.Printf("daemon: persist after failed reconnect: %v", perr)
		}
		return err
	}
	return nil
}

// Logout disconnects and destroys the record. This is the only path that
// removes a record.
func (d *Daemon) Logout(ctx context.Context, key string) error {
	d.mu.Lock()
	rec, ok := d.records[key]
	if !ok {
		d.mu.Unlock()
		return ErrConnectionNotFound
	}
	h := rec.Handle
	delete(d.records, key)
	d.mu.Unlock()

	if h != nil {
		h.Disconnect()
	}
	d.broadcast(key, StatusDisconnected, nil)
	if err := d.store.DeleteConnection(ctx, key); err != nil {
		return err
	}
	return d.persist(ctx)
}

// HandleFor returns the live handle for a key, or nil. Engines resolve
// through this on every use so a reconnect swap is picked up transparently.
func (d *Daemon) HandleFor(key string) broker.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[key]; ok {
		return rec.Handle
	}
	return nil
}

// AccountsFor returns the cached account list, authoritative whenever the
// handle is nil so UI paths never need a venue call.
func (d *Daemon) AccountsFor(key string) ([]broker.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	out := make([]broker.Account, len(rec.Accounts))
	copy(out, rec.Accounts)
	return out, nil
}

// Record returns a snapshot of one record.
func (d *Daemon) Record(key string) (RecordInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key]
	if !ok {
		return RecordInfo{}, false
	}
	return rec.info(), true
}

// Records returns snapshots of all records.
func (d *Daemon) Records() []RecordInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RecordInfo, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec.info())
	}
	return out
}

// Keys returns all connection keys.
func (d *Daemon) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.records))
	for key := range d.records {
		out = append(out, key)
	}
	return out
}

// Healthy reports whether the record's handle is in a logged-in transport
// state. The second return is false when the key is unknown.
func (d *Daemon) Healthy(key string) (bool, bool) {
	d.mu.Lock()
	rec, ok := d.records[key]
	if !ok {
		d.mu.Unlock()
		return false, false
	}
	h := rec.Handle
	d.mu.Unlock()
	return h != nil && h.LoggedIn(), true
}

// SetStatus updates a record's status and broadcasts the change. No-op if
// the status is unchanged, so repeated sweeps do not spam observers.
func (d *Daemon) SetStatus(key string, status Status, cause error) {
	d.mu.Lock()
	rec, ok := d.records[key]
	if !ok || rec.Status == status {
		d.mu.Unlock()
		return
	}
	rec.Status = status
	if cause != nil {
		rec.LastError = cause.Error()
	}
	d.mu.Unlock()
	d.broadcast(key, status, cause)
}

func (d *Daemon) broadcast(key string, status Status, cause error) {
	ev := events.ConnectionStatusEvent{ConnectionKey: key, Status: string(status)}
	if cause != nil {
		ev.Error = cause.Error()
	}
	d.bus.Publish(events.EventConnectionStatus, ev)

	d.mu.Lock()
	connected := 0
	for _, rec := range d.records {
		if rec.Status == StatusConnected {
			connected++
		}
	}
	d.mu.Unlock()
	metrics.ActiveConnections.Set(float64(connected))
}

// persist writes the full record set atomically.
func (d *Daemon) persist(ctx context.Context) error {
	d.mu.Lock()
	rows := make([]db.ConnectionRow, 0, len(d.records))
	for _, rec := range d.records {
		row, err := d.rowLocked(rec)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		rows = append(rows, row)
	}
	d.mu.Unlock()
	return d.store.ReplaceConnections(ctx, rows)
}

func (d *Daemon) rowLocked(rec *ConnectionRecord) (db.ConnectionRow, error) {
	password := rec.Credentials.Password
	if d.enc != nil {
		encrypted, err := d.enc.Encrypt(password)
		if err != nil {
			return db.ConnectionRow{}, fmt.Errorf("encrypt credentials for %s: %w", rec.Key, err)
		}
		password = encrypted
	}
	accounts, err := json.Marshal(rec.Accounts)
	if err != nil {
		return db.ConnectionRow{}, fmt.Errorf("marshal accounts for %s: %w", rec.Key, err)
	}
	return db.ConnectionRow{
		ConnectionKey: rec.Key,
		Broker:        rec.Credentials.Broker,
		UserID:        rec.Credentials.UserID,
		Username:      rec.Credentials.Username,
		PasswordEnc:   password,
		DeviceID:      rec.Credentials.DeviceID,
		Environment:   rec.Credentials.Environment,
		Accounts:      string(accounts),
		ConnectedAt:   rec.ConnectedAt,
	}, nil
}

// --- venue operations for the request channel ---

func (d *Daemon) handleOrErr(key string) (broker.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	if rec.Handle == nil {
		return nil, ErrNotConnected
	}
	return rec.Handle, nil
}

// PlaceOrder forwards an order to the connection's venue handle.
func (d *Daemon) PlaceOrder(ctx context.Context, key string, req broker.OrderRequest) (broker.OrderResult, error) {
	h, err := d.handleOrErr(key)
	if err != nil {
		return broker.OrderResult{}, err
	}
	return h.PlaceOrder(ctx, req)
}

// CancelOrders cancels all working orders for an account.
func (d *Daemon) CancelOrders(ctx context.Context, key, accountID string) error {
	h, err := d.handleOrErr(key)
	if err != nil {
		return err
	}
	return h.CancelAllOrders(ctx, accountID)
}

// PositionsFor queries live positions.
func (d *Daemon) PositionsFor(ctx context.Context, key string) ([]broker.Position, error) {
	h, err := d.handleOrErr(key)
	if err != nil {
		return nil, err
	}
	return h.Positions(ctx)
}

// PnLFor reads the handle's P&L cache.
func (d *Daemon) PnLFor(key, accountID string) (broker.PnLSnapshot, error) {
	h, err := d.handleOrErr(key)
	if err != nil {
		return broker.PnLSnapshot{}, err
	}
	return h.AccountPnL(accountID), nil
}

// ContractsFor searches tradable contracts.
func (d *Daemon) ContractsFor(ctx context.Context, key, query string) ([]broker.Contract, error) {
	h, err := d.handleOrErr(key)
	if err != nil {
		return nil, err
	}
	return h.Contracts(ctx, query)
}
