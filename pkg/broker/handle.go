// Package broker defines the collaborator contracts between the trading core
// and a venue integration: the authenticated connection handle, the tick
// feed, and the pluggable strategy. Implementations of the wire protocols
// live outside this module.
package broker

import "context"

// LoginOptions tunes a login call. When SkipFetchAccounts is set the
// implementation must not spend venue quota on an account fetch and should
// adopt CachedAccounts instead.
type LoginOptions struct {
	SkipFetchAccounts bool
	CachedAccounts    []Account
}

// Handle wraps one authenticated session to the trading venue.
//
// AccountPnL is a read of the push-updated local cache and performs no
// network call; all other methods taking a context may suspend on venue I/O.
type Handle interface {
	// Login authenticates and returns the account list. With
	// SkipFetchAccounts the returned slice echoes the cached accounts.
	Login(ctx context.Context, creds Credentials, opts LoginOptions) ([]Account, error)

	// Disconnect tears down the transport. Safe to call when not connected.
	Disconnect()

	// LoggedIn reports whether the transport is in a logged-in state.
	LoggedIn() bool

	// Accounts returns the account list from the last login.
	Accounts() []Account

	// Credentials returns the credentials this handle was built with.
	Credentials() Credentials

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelAllOrders(ctx context.Context, accountID string) error

	// ExitPosition issues the venue's native flatten command for one symbol.
	ExitPosition(ctx context.Context, accountID, symbol, exchange string) error

	// Positions queries live positions from the venue, not a local cache.
	Positions(ctx context.Context) ([]Position, error)

	// AccountPnL reads the local P&L cache. The zero-value snapshot
	// (Valid == false) means no push update has arrived yet.
	AccountPnL(accountID string) PnLSnapshot

	Contracts(ctx context.Context, query string) ([]Contract, error)

	// Events exposes the handle's push-event dispatcher.
	Events() *Dispatcher
}

// HandleFactory constructs a fresh, not-yet-authenticated Handle.
type HandleFactory func(creds Credentials) Handle

// TickFeed streams market data for one subscription at a time.
type TickFeed interface {
	Connect(ctx context.Context, creds Credentials) error
	Subscribe(symbol, exchange string) error
	Disconnect()

	// Ticks returns the delivery channel. It is closed on Disconnect.
	Ticks() <-chan Tick
}

// FeedFactory constructs a fresh TickFeed.
type FeedFactory func() TickFeed

// Strategy turns ticks into trade signals. A nil return means no action.
type Strategy interface {
	ProcessTick(t Tick) *Signal
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(t Tick) *Signal

// ProcessTick implements Strategy.
func (f StrategyFunc) ProcessTick(t Tick) *Signal { return f(t) }
