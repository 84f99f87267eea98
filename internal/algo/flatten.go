package algo

import (
	"context"
	"errors"
	"fmt"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/metrics"
)

// StepOutcome records one flatten step. A failed step never aborts the
// sequence; the goal is a flat account, not a clean transcript.
type StepOutcome struct {
	Step string
	Err  error
}

// flatten runs the compensating-action shutdown sequence:
//
//  1. cancel all working orders and release the bracket
//  2. issue the venue's native exit for the traded symbol, then settle
//  3. re-query live positions for ground truth
//  4. if a residual quantity remains, flatten it with an opposite-side
//     market order, then settle and re-query once more
//  5. emit an operator-visible WARNING if the account still is not
//     verifiably flat
//
// The settle delays are heuristic pauses, not completion guarantees; step 5
// exists precisely because they cannot be proven sufficient.
func (r *Runner) flatten(ctx context.Context) []StepOutcome {
	var outcomes []StepOutcome
	record := func(step string, err error) {
		outcomes = append(outcomes, StepOutcome{Step: step, Err: err})
	}

	h := r.resolve()
	if h == nil {
		record("resolve-handle", errors.New("no connection handle"))
		r.warnNotFlat("no connection handle to verify position")
		return outcomes
	}

	record("cancel-orders", h.CancelAllOrders(ctx, r.cfg.AccountID))
	r.mu.Lock()
	r.bracket = nil
	r.mu.Unlock()

	record("exit-position", h.ExitPosition(ctx, r.cfg.AccountID, r.cfg.Symbol, r.cfg.Exchange))
	r.sleep(r.settleDelay)

	remaining, err := r.liveQuantity(ctx, h)
	record("query-positions", err)

	if err == nil && remaining != 0 {
		side := broker.SideSell
		qty := remaining
		if remaining < 0 {
			side = broker.SideBuy
			qty = -remaining
		}
		res, oerr := h.PlaceOrder(ctx, broker.OrderRequest{
			AccountID: r.cfg.AccountID,
			Symbol:    r.cfg.Symbol,
			Exchange:  r.cfg.Exchange,
			Side:      side,
			Type:      broker.OrderTypeMarket,
			Qty:       qty,
		})
		if oerr == nil && !res.Success {
			oerr = fmt.Errorf("flatten order rejected: %s", res.Err)
		}
		record("flatten-order", oerr)
		r.sleep(r.settleDelay)

		remaining, err = r.liveQuantity(ctx, h)
		record("verify-flat", err)
	}

	// Single explicit check over the recorded ground truth. No further
	// retries: runaway order submission on a degraded connection is worse
	// than a loud warning.
	if err != nil {
		r.warnNotFlat(fmt.Sprintf("position query failed, cannot verify flat: %v", err))
	} else if remaining != 0 {
		r.warnNotFlat(fmt.Sprintf("%d contracts of %s remain after flatten", remaining, r.cfg.Symbol))
	}

	return outcomes
}

// liveQuantity queries the venue (never the local cache) for the signed net
// quantity of the traded symbol.
func (r *Runner) liveQuantity(ctx context.Context, h broker.Handle) (int, error) {
	positions, err := h.Positions(ctx)
	if err != nil {
		return 0, err
	}
	qty := 0
	for _, p := range positions {
		if p.Symbol != r.cfg.Symbol {
			continue
		}
		if p.AccountID != "" && p.AccountID != r.cfg.AccountID {
			continue
		}
		qty += p.Quantity
	}
	return qty, nil
}

func (r *Runner) warnNotFlat(detail string) {
	metrics.FlattenWarnings.Inc()
	r.logf(events.LevelWarning, "account may not be flat after shutdown: %s", detail)
}
