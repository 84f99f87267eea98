// Package algo implements the order-execution state machine: one Runner per
// active session turns strategy signals into entries and bracket exits,
// tracks realized P&L, and owns the shutdown/flatten procedure.
package algo

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/metrics"
)

// HandleResolver returns the current connection handle for the owning
// session. The runner never caches the handle: the daemon may swap it during
// a reconnect, and resolving per use picks the replacement up transparently.
type HandleResolver func() broker.Handle

// Options tunes runner timing. Zero values take production defaults.
type Options struct {
	SettleDelay     time.Duration
	PnLPollInterval time.Duration
	Now             func() time.Time
	Sleep           func(d time.Duration)
}

// Runner is the execution engine for one session.
type Runner struct {
	id       string
	cfg      Config
	strategy broker.Strategy
	resolve  HandleResolver
	feed     broker.TickFeed
	bus      *events.Bus

	settleDelay time.Duration
	pnlInterval time.Duration
	now         func() time.Time
	sleep       func(d time.Duration)

	mu         sync.Mutex
	state      State
	position   *Position
	bracket    *Bracket
	pending    bool // entry order in flight
	stats      Stats
	stopReason string
	stopCh     chan struct{}
	unsubOrder func()
	watched    broker.Handle // handle currently feeding order notifications
}

// New creates an idle runner. Config is immutable for the runner's lifetime.
func New(sessionID string, cfg Config, strat broker.Strategy, resolve HandleResolver, feed broker.TickFeed, bus *events.Bus, opts Options) *Runner {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if opts.PnLPollInterval <= 0 {
		opts.PnLPollInterval = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Runner{
		id:          sessionID,
		cfg:         cfg,
		strategy:    strat,
		resolve:     resolve,
		feed:        feed,
		bus:         bus,
		settleDelay: opts.SettleDelay,
		pnlInterval: opts.PnLPollInterval,
		now:         opts.Now,
		sleep:       opts.Sleep,
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the accumulated session stats.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Position returns the current open position, or nil when flat.
func (r *Runner) Position() *Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Start validates the config, opens a fresh tick subscription, and begins
// the tick loop and the P&L poll.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateRunning, StateStopping:
		r.mu.Unlock()
		return ErrAlreadyRunning
	case StateStopped:
		r.mu.Unlock()
		return ErrStopped
	}
	if r.strategy == nil {
		r.mu.Unlock()
		return ErrInvalidConfig
	}
	if err := r.cfg.validate(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	h := r.resolve()
	if h == nil || !h.LoggedIn() {
		return ErrNoCredentials
	}
	creds := h.Credentials()

	// The feed holds at most one subscription; drop any stale one before
	// opening ours.
	r.feed.Disconnect()
	if err := r.feed.Connect(ctx, creds); err != nil {
		return fmt.Errorf("tick feed connect: %w", err)
	}
	if err := r.feed.Subscribe(r.cfg.Symbol, r.cfg.Exchange); err != nil {
		r.feed.Disconnect()
		return fmt.Errorf("tick feed subscribe %s@%s: %w", r.cfg.Symbol, r.cfg.Exchange, err)
	}

	r.mu.Lock()
	if err := r.transitionLocked(StateRunning); err != nil {
		r.mu.Unlock()
		r.feed.Disconnect()
		return err
	}
	r.stats.StartTime = r.now()
	r.stopCh = make(chan struct{})
	r.unsubOrder = h.Events().OnOrder(r.handleOrderNotification)
	r.watched = h
	r.mu.Unlock()

	go r.tickLoop(ctx)
	go r.pnlLoop(ctx)

	r.publishStatus("")
	r.logf(events.LevelInfo, "started: strategy=%s %s@%s account=%s size=%d",
		r.cfg.StrategyID, r.cfg.Symbol, r.cfg.Exchange, r.cfg.AccountID, r.cfg.Size)
	return nil
}

// Stop drives the shutdown/flatten sequence exactly once and transitions to
// Stopped. Calling Stop on an idle or already stopped runner is a no-op
// returning nil; a call racing another Stop also returns nil while the first
// caller runs the single flatten sequence.
func (r *Runner) Stop(ctx context.Context, reason string) error {
	r.mu.Lock()
	switch r.state {
	case StateIdle, StateStopped, StateStopping:
		r.mu.Unlock()
		return nil
	}
	if err := r.transitionLocked(StateStopping); err != nil {
		r.mu.Unlock()
		return nil
	}
	r.stopReason = reason
	close(r.stopCh)
	unsub := r.unsubOrder
	r.unsubOrder = nil
	r.watched = nil
	r.mu.Unlock()

	r.publishStatus(reason)
	r.logf(events.LevelInfo, "stopping (%s), flattening account", reason)

	outcomes := r.flatten(ctx)
	for _, o := range outcomes {
		if o.Err != nil {
			r.logf(events.LevelError, "flatten step %s failed: %v", o.Step, o.Err)
		}
	}

	if unsub != nil {
		unsub()
	}
	r.feed.Disconnect()

	r.mu.Lock()
	r.position = nil
	r.bracket = nil
	r.pending = false
	_ = r.transitionLocked(StateStopped)
	stats := r.stats
	r.mu.Unlock()

	summary := events.SummaryEvent{
		SessionID:   r.id,
		StrategyID:  r.cfg.StrategyID,
		Symbol:      r.cfg.Symbol,
		Duration:    r.now().Sub(stats.StartTime),
		Trades:      stats.Trades,
		Wins:        stats.Wins,
		Losses:      stats.Losses,
		TotalPnL:    stats.TotalPnL,
		DailyTarget: r.cfg.DailyTarget,
		StopReason:  reason,
	}
	if stats.Trades > 0 {
		summary.WinRate = float64(stats.Wins) / float64(stats.Trades)
	}
	r.publish(events.EventSummary, summary)
	r.publish(events.EventStopped, events.StatusEvent{SessionID: r.id, State: StateStopped.String(), Reason: reason})
	r.publishStatus(reason)
	r.logf(events.LevelInfo, "stopped: trades=%d pnl=%.2f", stats.Trades, stats.TotalPnL)
	return nil
}

func (r *Runner) transitionLocked(next State) error {
	if !transitions[r.state][next] {
		return fmt.Errorf("illegal state transition %s -> %s", r.state, next)
	}
	r.state = next
	return nil
}

// --- tick path ---

func (r *Runner) tickLoop(ctx context.Context) {
	ticks := r.feed.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			r.onTick(ctx, t)
		}
	}
}

func (r *Runner) onTick(ctx context.Context, t broker.Tick) {
	r.armOrderListener(r.resolve())
	r.publish(events.EventTick, t)

	sig := r.strategy.ProcessTick(t)
	if sig == nil {
		return
	}

	// Entry guard: at most one open position, one order in flight. Signals
	// arriving while either holds are dropped, never queued.
	r.mu.Lock()
	if r.state != StateRunning || r.position != nil || r.pending {
		r.mu.Unlock()
		return
	}
	r.pending = true
	r.mu.Unlock()

	r.publish(events.EventSignal, events.SignalEvent{
		SessionID: r.id, Symbol: r.cfg.Symbol, Signal: *sig, Price: t.Price,
	})
	r.placeEntry(ctx, *sig, t)
}

func (r *Runner) placeEntry(ctx context.Context, sig broker.Signal, t broker.Tick) {
	side := broker.SideBuy
	if sig.Direction == broker.DirectionShort {
		side = broker.SideSell
	}

	h := r.resolve()
	if h == nil {
		r.logf(events.LevelError, "entry dropped: no connection handle")
		r.clearPending()
		return
	}

	req := broker.OrderRequest{
		AccountID: r.cfg.AccountID,
		Symbol:    r.cfg.Symbol,
		Exchange:  r.cfg.Exchange,
		Side:      side,
		Type:      broker.OrderTypeMarket,
		Qty:       r.cfg.Size,
		ClientID:  uuid.NewString(),
	}
	r.publish(events.EventOrderSubmitted, req)
	metrics.OrdersSubmitted.WithLabelValues(string(side)).Inc()

	res, err := h.PlaceOrder(ctx, req)
	if err != nil || !res.Success {
		// Venue declined or call failed: drop the signal, stay flat, no retry.
		metrics.OrdersRejected.Inc()
		if err != nil {
			r.logf(events.LevelError, "entry order failed: %v", err)
		} else {
			r.logf(events.LevelWarning, "entry order rejected: %s", res.Err)
		}
		r.publish(events.EventOrderRejected, res)
		r.clearPending()
		return
	}

	fill := res.FillPrice
	if fill == 0 {
		fill = t.Price
	}
	pos := &Position{
		Side:       side,
		Qty:        r.cfg.Size,
		EntryPrice: fill,
		Symbol:     r.cfg.Symbol,
		EntryTime:  r.now(),
		OrderID:    res.OrderID,
	}

	r.mu.Lock()
	r.position = pos
	r.pending = false
	r.mu.Unlock()

	r.publish(events.EventOrderFilled, res)
	r.publish(events.EventPosition, events.PositionEvent{
		SessionID: r.id, Symbol: pos.Symbol, Side: string(pos.Side), Qty: pos.Qty, Entry: pos.EntryPrice,
	})
	r.logf(events.LevelInfo, "entry filled: %s %d %s @ %.2f", side, pos.Qty, pos.Symbol, fill)

	if sig.StopLoss > 0 && sig.TakeProfit > 0 {
		r.placeBracket(ctx, h, sig, pos)
	}
}

func (r *Runner) clearPending() {
	r.mu.Lock()
	r.pending = false
	r.mu.Unlock()
}

func (r *Runner) placeBracket(ctx context.Context, h broker.Handle, sig broker.Signal, pos *Position) {
	exitSide := pos.Side.Opposite()

	stopRes, err := h.PlaceOrder(ctx, broker.OrderRequest{
		AccountID: r.cfg.AccountID,
		Symbol:    r.cfg.Symbol,
		Exchange:  r.cfg.Exchange,
		Side:      exitSide,
		Type:      broker.OrderTypeStop,
		Qty:       pos.Qty,
		StopPrice: sig.StopLoss,
		ClientID:  uuid.NewString(),
	})
	if err != nil {
		r.logf(events.LevelError, "stop order failed: %v", err)
	}

	targetRes, err := h.PlaceOrder(ctx, broker.OrderRequest{
		AccountID: r.cfg.AccountID,
		Symbol:    r.cfg.Symbol,
		Exchange:  r.cfg.Exchange,
		Side:      exitSide,
		Type:      broker.OrderTypeLimit,
		Qty:       pos.Qty,
		Price:     sig.TakeProfit,
		ClientID:  uuid.NewString(),
	})
	if err != nil {
		r.logf(events.LevelError, "target order failed: %v", err)
	}

	r.mu.Lock()
	r.bracket = &Bracket{StopOrderID: stopRes.OrderID, TargetOrderID: targetRes.OrderID}
	r.mu.Unlock()
	r.logf(events.LevelInfo, "bracket armed: stop=%.2f target=%.2f", sig.StopLoss, sig.TakeProfit)
}

// armOrderListener keeps the fill listener on the connection's current
// handle. A reconnect swaps the handle (and its event dispatcher) underneath
// the running engine, so the listener must follow the swap the same way
// order placement already resolves the handle per use.
func (r *Runner) armOrderListener(h broker.Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	if r.state != StateRunning || r.watched == h {
		r.mu.Unlock()
		return
	}
	old := r.unsubOrder
	r.unsubOrder = nil
	r.mu.Unlock()
	if old != nil {
		old()
	}

	unsub := h.Events().OnOrder(r.handleOrderNotification)
	r.mu.Lock()
	if r.state != StateRunning {
		// Lost a race with Stop; do not leave a live listener behind.
		r.mu.Unlock()
		unsub()
		return
	}
	r.unsubOrder = unsub
	r.watched = h
	r.mu.Unlock()
	r.logf(events.LevelInfo, "order listener re-armed on reconnected handle")
}

// handleOrderNotification matches bracket exit fills by symbol and the
// venue's closing notification flag, realizes the P&L, and re-enables
// signals.
func (r *Runner) handleOrderNotification(n broker.OrderNotification) {
	if n.Symbol != r.cfg.Symbol || !n.Closing || n.Status != broker.OrderStatusFilled {
		return
	}

	r.mu.Lock()
	pos := r.position
	if r.state != StateRunning || pos == nil {
		r.mu.Unlock()
		return
	}
	sign := 1.0
	if pos.Side == broker.SideSell {
		sign = -1
	}
	pnl := (n.FillPrice - pos.EntryPrice) * sign / r.cfg.TickSize * r.cfg.TickValue * float64(pos.Qty)
	r.stats.Trades++
	if pnl >= 0 {
		r.stats.Wins++
	} else {
		r.stats.Losses++
	}
	r.stats.TotalPnL += pnl
	total := r.stats.TotalPnL
	r.position = nil
	r.bracket = nil
	r.mu.Unlock()

	r.publish(events.EventTrade, events.TradeEvent{
		SessionID:  r.id,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Qty:        pos.Qty,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  n.FillPrice,
		PnL:        pnl,
		Time:       r.now(),
	})
	r.publish(events.EventPosition, events.PositionEvent{SessionID: r.id, Symbol: pos.Symbol, Qty: 0})
	r.logf(events.LevelInfo, "bracket exit filled @ %.2f, pnl=%.2f total=%.2f", n.FillPrice, pnl, total)

	r.checkAutoStop(total)
}

// --- P&L path ---

func (r *Runner) pnlLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pnlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			h := r.resolve()
			if h == nil {
				continue
			}
			r.armOrderListener(h)
			// Cache read only; the handle's push stream refreshes it.
			r.handlePnL(h.AccountPnL(r.cfg.AccountID))
		}
	}
}

func (r *Runner) handlePnL(snap broker.PnLSnapshot) {
	if !snap.Valid {
		return
	}
	r.publish(events.EventPnL, events.PnLEvent{SessionID: r.id, AccountID: r.cfg.AccountID, Snapshot: snap})
	r.checkAutoStop(snap.PnL)
}

// checkAutoStop stops the engine exactly once when the daily target or the
// risk limit is reached. The Running->Stopping transition inside Stop is the
// idempotence guard against an operator stop racing the same update.
func (r *Runner) checkAutoStop(pnl float64) {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	var reason string
	switch {
	case r.cfg.DailyTarget > 0 && pnl >= r.cfg.DailyTarget:
		reason = ReasonTarget
	case r.cfg.MaxRisk > 0 && pnl <= -r.cfg.MaxRisk:
		reason = ReasonRisk
	}
	r.mu.Unlock()

	if reason != "" {
		_ = r.Stop(context.Background(), reason)
	}
}

// --- event helpers ---

func (r *Runner) publish(e events.Event, payload any) {
	if r.bus != nil {
		r.bus.Publish(e, payload)
	}
}

func (r *Runner) publishStatus(reason string) {
	r.publish(events.EventStatus, events.StatusEvent{SessionID: r.id, State: r.State().String(), Reason: reason})
}

func (r *Runner) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("algo[%s]: %s", r.id, msg)
	r.publish(events.EventLog, events.LogEvent{Level: level, Component: "algo", Message: msg, Time: r.now()})
}
