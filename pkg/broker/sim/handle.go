// Package sim provides an in-memory venue implementation used by tests and
// by dry-run operation, where the daemon runs end-to-end without touching a
// real venue.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// Handle is a scriptable in-memory broker.Handle.
//
// Zero-value behavior: logins succeed, market orders fill at the request
// price (or LastPrice when the request carries none), cancels and exits
// succeed, and the position book starts empty. Tests override behavior via
// the Fail* fields and the Set* helpers.
type Handle struct {
	mu sync.Mutex

	creds    broker.Credentials
	accounts []broker.Account
	loggedIn bool
	events   *broker.Dispatcher

	positions map[string]broker.Position // symbol -> position
	pnl       map[string]broker.PnLSnapshot
	nextOrder int

	// Scripted behavior.
	LastPrice    float64
	LoginErr     error
	OrderErr     error
	RejectOrders bool
	CancelErr    error
	ExitErr      error
	PositionsErr error

	// keepOnExit makes ExitPosition leave the book untouched, mimicking a
	// venue that silently fails to apply the native exit command.
	keepOnExit bool

	placed    []broker.OrderRequest
	canceled  []string
	exits     []string
	loginOpts []broker.LoginOptions
}

// NewHandle creates a simulated handle that will report the given accounts.
func NewHandle(accounts ...broker.Account) *Handle {
	return &Handle{
		accounts:  accounts,
		events:    broker.NewDispatcher(),
		positions: make(map[string]broker.Position),
		pnl:       make(map[string]broker.PnLSnapshot),
		LastPrice: 100,
	}
}

// NewFactory returns a broker.HandleFactory producing fresh simulated
// handles that report the given accounts. Used for dry-run operation.
func NewFactory(accounts ...broker.Account) broker.HandleFactory {
	return func(creds broker.Credentials) broker.Handle {
		h := NewHandle(accounts...)
		h.creds = creds
		return h
	}
}

// Login implements broker.Handle.
func (h *Handle) Login(ctx context.Context, creds broker.Credentials, opts broker.LoginOptions) ([]broker.Account, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loginOpts = append(h.loginOpts, opts)
	if h.LoginErr != nil {
		return nil, h.LoginErr
	}
	h.creds = creds
	h.loggedIn = true
	if opts.SkipFetchAccounts {
		h.accounts = opts.CachedAccounts
	}
	return h.accounts, nil
}

// Disconnect implements broker.Handle.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	h.loggedIn = false
	h.mu.Unlock()
}

// LoggedIn implements broker.Handle.
func (h *Handle) LoggedIn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedIn
}

// Accounts implements broker.Handle.
func (h *Handle) Accounts() []broker.Account {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]broker.Account, len(h.accounts))
	copy(out, h.accounts)
	return out
}

// Credentials implements broker.Handle.
func (h *Handle) Credentials() broker.Credentials {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creds
}

// PlaceOrder fills market orders immediately and books the position; limit
// and stop orders rest until a notification is scripted via EmitFill.
func (h *Handle) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.placed = append(h.placed, req)
	if h.OrderErr != nil {
		return broker.OrderResult{}, h.OrderErr
	}
	if h.RejectOrders {
		return broker.OrderResult{Success: false, Err: "rejected by venue"}, nil
	}

	h.nextOrder++
	id := fmt.Sprintf("sim-%d", h.nextOrder)

	if req.Type != broker.OrderTypeMarket {
		return broker.OrderResult{Success: true, OrderID: id}, nil
	}

	price := req.Price
	if price == 0 {
		price = h.LastPrice
	}
	h.applyFillLocked(req, price)
	return broker.OrderResult{Success: true, OrderID: id, FillPrice: price}, nil
}

func (h *Handle) applyFillLocked(req broker.OrderRequest, price float64) {
	pos := h.positions[req.Symbol]
	pos.AccountID = req.AccountID
	pos.Symbol = req.Symbol
	pos.Exchange = req.Exchange
	if req.Side == broker.SideBuy {
		pos.Quantity += req.Qty
	} else {
		pos.Quantity -= req.Qty
	}
	pos.AvgPrice = price
	if pos.Quantity == 0 {
		delete(h.positions, req.Symbol)
	} else {
		h.positions[req.Symbol] = pos
	}
}

// CancelAllOrders implements broker.Handle.
func (h *Handle) CancelAllOrders(ctx context.Context, accountID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = append(h.canceled, accountID)
	return h.CancelErr
}

// ExitPosition implements broker.Handle.
func (h *Handle) ExitPosition(ctx context.Context, accountID, symbol, exchange string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exits = append(h.exits, symbol)
	if h.ExitErr != nil {
		return h.ExitErr
	}
	if !h.keepOnExit {
		delete(h.positions, symbol)
	}
	return nil
}

// Positions implements broker.Handle.
func (h *Handle) Positions(ctx context.Context) ([]broker.Position, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PositionsErr != nil {
		return nil, h.PositionsErr
	}
	out := make([]broker.Position, 0, len(h.positions))
	for _, p := range h.positions {
		out = append(out, p)
	}
	return out, nil
}

// AccountPnL implements broker.Handle.
func (h *Handle) AccountPnL(accountID string) broker.PnLSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pnl[accountID]
}

// Contracts implements broker.Handle.
func (h *Handle) Contracts(ctx context.Context, query string) ([]broker.Contract, error) {
	return []broker.Contract{{Symbol: query, Exchange: "CME", TickSize: 0.25, TickValue: 12.5}}, nil
}

// Events implements broker.Handle.
func (h *Handle) Events() *broker.Dispatcher { return h.events }

// --- test helpers ---

// SetPosition seeds the venue-side position book.
func (h *Handle) SetPosition(p broker.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.Quantity == 0 {
		delete(h.positions, p.Symbol)
		return
	}
	h.positions[p.Symbol] = p
}

// KeepPositionOnExit makes ExitPosition leave the book untouched, simulating
// a venue that silently fails to apply the native exit command.
func (h *Handle) KeepPositionOnExit() {
	h.mu.Lock()
	h.keepOnExit = true
	h.mu.Unlock()
}

// SetPnL pushes a P&L snapshot into the cache and notifies listeners.
func (h *Handle) SetPnL(accountID string, snap broker.PnLSnapshot) {
	snap.Valid = true
	snap.UpdatedAt = time.Now()
	h.mu.Lock()
	h.pnl[accountID] = snap
	h.mu.Unlock()
	h.events.EmitPnL(accountID, snap)
}

// EmitFill publishes an order notification, optionally clearing the booked
// position when the notification is a closing fill.
func (h *Handle) EmitFill(n broker.OrderNotification) {
	if n.Closing {
		h.mu.Lock()
		delete(h.positions, n.Symbol)
		h.mu.Unlock()
	}
	h.events.EmitOrder(n)
}

// PlacedOrders returns all order requests seen so far.
func (h *Handle) PlacedOrders() []broker.OrderRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]broker.OrderRequest, len(h.placed))
	copy(out, h.placed)
	return out
}

// CancelCalls returns the account ids passed to CancelAllOrders.
func (h *Handle) CancelCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.canceled))
	copy(out, h.canceled)
	return out
}

// ExitCalls returns the symbols passed to ExitPosition.
func (h *Handle) ExitCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.exits))
	copy(out, h.exits)
	return out
}

// LoginCalls returns the options of every login attempt.
func (h *Handle) LoginCalls() []broker.LoginOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]broker.LoginOptions, len(h.loginOpts))
	copy(out, h.loginOpts)
	return out
}
