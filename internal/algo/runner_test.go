package algo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker/sim"
)

type fixture struct {
	h    *sim.Handle
	feed *sim.Feed
	bus  *events.Bus
	r    *Runner

	mu  sync.Mutex
	cur broker.Handle
}

// swap replaces the handle the resolver returns, as the daemon does after a
// reconnect.
func (f *fixture) swap(h broker.Handle) {
	f.mu.Lock()
	f.cur = h
	f.mu.Unlock()
}

func (f *fixture) resolve() broker.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func baseConfig() Config {
	return Config{
		StrategyID: "s1",
		Symbol:     "MNQ",
		Exchange:   "CME",
		AccountID:  "ACC1",
		Size:       1,
		TickSize:   1,
		TickValue:  1,
	}
}

// longEvery signals a long entry on every tick.
func longEvery() broker.Strategy {
	return broker.StrategyFunc(func(t broker.Tick) *broker.Signal {
		return &broker.Signal{Direction: broker.DirectionLong, Entry: t.Price, Confidence: 1}
	})
}

func newFixture(t *testing.T, cfg Config, strat broker.Strategy) *fixture {
	t.Helper()

	h := sim.NewHandle(broker.Account{ID: "ACC1", Name: "Test", Active: true})
	creds := broker.Credentials{Broker: "tradovate", UserID: "u1", Username: "demo"}
	if _, err := h.Login(context.Background(), creds, broker.LoginOptions{}); err != nil {
		t.Fatalf("sim login: %v", err)
	}

	feed := sim.NewFeed()
	bus := events.NewBus()
	f := &fixture{h: h, feed: feed, bus: bus, cur: h}
	f.r = New("sess-1", cfg, strat, f.resolve, feed, bus, Options{
		PnLPollInterval: time.Hour, // tests drive handlePnL directly
		Sleep:           func(time.Duration) {},
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.r.Stop(context.Background(), ReasonManual) })
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture)
		cfg     Config
		wantErr error
	}{
		{
			name:    "missing strategy id",
			cfg:     Config{Symbol: "MNQ", AccountID: "ACC1"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "missing symbol",
			cfg:     Config{StrategyID: "s1", AccountID: "ACC1"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "missing account",
			cfg:     Config{StrategyID: "s1", Symbol: "MNQ"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "not logged in",
			cfg:     baseConfig(),
			mutate:  func(f *fixture) { f.h.Disconnect() },
			wantErr: ErrNoCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg, longEvery())
			if tt.mutate != nil {
				tt.mutate(f)
			}
			if err := f.r.Start(context.Background()); err != tt.wantErr {
				t.Fatalf("Start err=%v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	f.start(t)

	if err := f.r.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second Start err=%v, want ErrAlreadyRunning", err)
	}
}

func TestStoppedEngineIsNotReusable(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	f.start(t)
	if err := f.r.Stop(context.Background(), ReasonManual); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.r.Start(context.Background()); err != ErrStopped {
		t.Fatalf("Start after Stop err=%v, want ErrStopped", err)
	}
}

func TestAtMostOnePosition(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	f.start(t)

	for i := 0; i < 5; i++ {
		f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5000 + float64(i)})
	}
	waitFor(t, "entry fill", func() bool { return f.r.Position() != nil })

	// Every tick signaled, but the position guard admits exactly one entry.
	waitFor(t, "ticks drained", func() bool { return len(f.h.PlacedOrders()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(f.h.PlacedOrders()); got != 1 {
		t.Fatalf("placed %d orders, want 1", got)
	}
	pos := f.r.Position()
	if pos == nil || pos.Qty != 1 || pos.Side != broker.SideBuy {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestRejectedEntryStaysFlatAndResponsive(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	f.h.RejectOrders = true
	f.start(t)

	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5000})
	waitFor(t, "first rejection", func() bool { return len(f.h.PlacedOrders()) == 1 })
	if f.r.Position() != nil {
		t.Fatal("rejected order must not create a position")
	}

	// The dropped signal is not retried, but the engine stays responsive to
	// the next one.
	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5001})
	waitFor(t, "second attempt", func() bool { return len(f.h.PlacedOrders()) == 2 })
	if f.r.Position() != nil {
		t.Fatal("engine should still be flat")
	}
}

func TestBracketFillRealizesPnL(t *testing.T) {
	cfg := baseConfig()
	cfg.TickSize = 0.25
	cfg.TickValue = 12.5
	strat := broker.StrategyFunc(func(t broker.Tick) *broker.Signal {
		return &broker.Signal{
			Direction:  broker.DirectionLong,
			Entry:      t.Price,
			StopLoss:   t.Price - 10,
			TakeProfit: t.Price + 10,
			Confidence: 1,
		}
	})
	f := newFixture(t, cfg, strat)
	f.h.LastPrice = 5000
	f.start(t)

	trades := f.bus.Subscribe(8, events.EventTrade)
	defer trades.Close()

	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5000})
	waitFor(t, "entry + bracket", func() bool { return len(f.h.PlacedOrders()) == 3 })

	orders := f.h.PlacedOrders()
	if orders[1].Type != broker.OrderTypeStop || orders[1].StopPrice != 4990 {
		t.Fatalf("stop leg %+v", orders[1])
	}
	if orders[2].Type != broker.OrderTypeLimit || orders[2].Price != 5010 {
		t.Fatalf("target leg %+v", orders[2])
	}

	f.h.EmitFill(broker.OrderNotification{
		OrderID:   orders[2].ClientID,
		Symbol:    "MNQ",
		Status:    broker.OrderStatusFilled,
		FillPrice: 5010,
		Closing:   true,
	})

	waitFor(t, "trade realized", func() bool { return f.r.Stats().Trades == 1 })
	stats := f.r.Stats()
	// (5010-5000) / 0.25 * 12.5 * 1 = 500
	if stats.TotalPnL != 500 {
		t.Fatalf("TotalPnL=%v, want 500", stats.TotalPnL)
	}
	if stats.Wins != 1 || stats.Losses != 0 {
		t.Fatalf("wins/losses = %d/%d, want 1/0", stats.Wins, stats.Losses)
	}
	if f.r.Position() != nil {
		t.Fatal("position must clear on bracket fill")
	}

	select {
	case msg := <-trades.C:
		tr := msg.Payload.(events.TradeEvent)
		if tr.PnL != 500 || tr.ExitPrice != 5010 {
			t.Fatalf("trade event %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no trade event published")
	}

	// Flat again: the next signal opens a fresh position.
	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5020})
	waitFor(t, "re-entry", func() bool { return f.r.Position() != nil })
}

func TestFillOnReconnectedHandleIsRealized(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	f.h.LastPrice = 5000
	f.start(t)

	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5000})
	waitFor(t, "entry fill", func() bool { return f.r.Position() != nil })

	// The connection drops and a fresh handle (with a fresh event
	// dispatcher) is swapped in underneath the running engine.
	replacement := sim.NewHandle(broker.Account{ID: "ACC1", Name: "Test", Active: true})
	creds := broker.Credentials{Broker: "tradovate", UserID: "u1", Username: "demo"}
	if _, err := replacement.Login(context.Background(), creds, broker.LoginOptions{}); err != nil {
		t.Fatalf("replacement login: %v", err)
	}
	f.swap(replacement)

	// Ticks keep flowing; the entry guard drops their signals while the
	// position is open, but each one re-resolves the handle.
	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5001})

	// The bracket exit fill now arrives on the replacement's dispatcher.
	waitFor(t, "fill on replacement handle", func() bool {
		replacement.EmitFill(broker.OrderNotification{
			OrderID:   "replacement-exit",
			Symbol:    "MNQ",
			Status:    broker.OrderStatusFilled,
			FillPrice: 5010,
			Closing:   true,
		})
		return f.r.Stats().Trades == 1
	})
	if f.r.Position() != nil {
		t.Fatal("position must clear on the reconnected handle's fill")
	}
	if got := f.r.Stats().TotalPnL; got != 10 {
		t.Fatalf("TotalPnL=%v, want 10", got)
	}

	// The engine is live again: the next signal enters through the
	// replacement handle.
	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5002})
	waitFor(t, "re-entry via replacement", func() bool {
		return len(replacement.PlacedOrders()) == 1
	})
}

func TestAutoStopTargetFiresExactlyOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.DailyTarget = 500
	f := newFixture(t, cfg, longEvery())
	f.start(t)

	for _, pnl := range []float64{400, 480} {
		f.r.handlePnL(broker.PnLSnapshot{PnL: pnl, Valid: true})
		if got := f.r.State(); got != StateRunning {
			t.Fatalf("state=%s after pnl %v, want running", got, pnl)
		}
	}

	f.r.handlePnL(broker.PnLSnapshot{PnL: 520, Valid: true})
	if got := f.r.State(); got != StateStopped {
		t.Fatalf("state=%s after reaching target, want stopped", got)
	}
	if got := len(f.h.CancelCalls()); got != 1 {
		t.Fatalf("flatten ran %d times, want exactly 1", got)
	}

	// A late update must not re-trigger the sequence.
	f.r.handlePnL(broker.PnLSnapshot{PnL: 600, Valid: true})
	if got := len(f.h.CancelCalls()); got != 1 {
		t.Fatalf("flatten re-ran after stop: %d", got)
	}
}

func TestAutoStopRiskFiresExactlyOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRisk = 250
	f := newFixture(t, cfg, longEvery())
	f.start(t)

	f.r.handlePnL(broker.PnLSnapshot{PnL: -100, Valid: true})
	if got := f.r.State(); got != StateRunning {
		t.Fatalf("state=%s at -100, want running", got)
	}

	f.r.handlePnL(broker.PnLSnapshot{PnL: -260, Valid: true})
	if got := f.r.State(); got != StateStopped {
		t.Fatalf("state=%s at -260, want stopped", got)
	}
	if got := len(f.h.CancelCalls()); got != 1 {
		t.Fatalf("flatten ran %d times, want exactly 1", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	f.start(t)

	if err := f.r.Stop(context.Background(), ReasonManual); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := f.r.Stop(context.Background(), ReasonManual); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := len(f.h.CancelCalls()); got != 1 {
		t.Fatalf("flatten ran %d times, want 1", got)
	}
}

func TestStopConcurrentSingleFlatten(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	f.start(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.r.Stop(context.Background(), ReasonManual)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	waitFor(t, "terminal state", func() bool { return f.r.State() == StateStopped })
	if got := len(f.h.CancelCalls()); got != 1 {
		t.Fatalf("flatten ran %d times, want 1", got)
	}
}

func TestStopOnIdleIsNoop(t *testing.T) {
	f := newFixture(t, baseConfig(), longEvery())
	if err := f.r.Stop(context.Background(), ReasonManual); err != nil {
		t.Fatalf("Stop on idle: %v", err)
	}
	if len(f.h.CancelCalls()) != 0 || len(f.h.ExitCalls()) != 0 {
		t.Fatal("idle stop must not touch the venue")
	}
}

func TestSummaryPublishedOnStop(t *testing.T) {
	cfg := baseConfig()
	cfg.DailyTarget = 1000
	f := newFixture(t, cfg, longEvery())
	f.start(t)

	summaries := f.bus.Subscribe(1, events.EventSummary)
	defer summaries.Close()

	f.feed.Push(broker.Tick{Symbol: "MNQ", Price: 5000})
	waitFor(t, "entry", func() bool { return f.r.Position() != nil })

	if err := f.r.Stop(context.Background(), ReasonManual); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case msg := <-summaries.C:
		s := msg.Payload.(events.SummaryEvent)
		if s.StopReason != ReasonManual || s.StrategyID != "s1" || s.DailyTarget != 1000 {
			t.Fatalf("summary %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no summary published")
	}
}
