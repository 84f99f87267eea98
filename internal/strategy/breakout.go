package strategy

import (
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// breakout trades the break of an opening range built from the first N ticks
// of the session.
//
// Params:
//
//	range_ticks  ticks used to build the range (default 100)
//	stop_ticks   protective stop distance in ticks (default 12)
//	target_ticks profit target distance in ticks (default 24)
type breakout struct {
	tickSize    float64
	rangeTicks  int
	stopTicks   float64
	targetTicks float64

	seen int
	high float64
	low  float64
}

func newBreakout(p Preset) broker.Strategy {
	tickSize := p.TickSize
	if tickSize <= 0 {
		tickSize = 0.25
	}
	return &breakout{
		tickSize:    tickSize,
		rangeTicks:  int(p.param("range_ticks", 100)),
		stopTicks:   p.param("stop_ticks", 12),
		targetTicks: p.param("target_ticks", 24),
	}
}

func (b *breakout) ProcessTick(t broker.Tick) *broker.Signal {
	if b.seen < b.rangeTicks {
		if b.seen == 0 || t.Price > b.high {
			b.high = t.Price
		}
		if b.seen == 0 || t.Price < b.low {
			b.low = t.Price
		}
		b.seen++
		return nil
	}

	if t.Price > b.high {
		// Re-arm above the breakout level so one excursion fires once.
		b.high = t.Price
		return &broker.Signal{
			Direction:  broker.DirectionLong,
			Entry:      t.Price,
			StopLoss:   t.Price - b.stopTicks*b.tickSize,
			TakeProfit: t.Price + b.targetTicks*b.tickSize,
			Confidence: 0.6,
		}
	}
	if t.Price < b.low {
		b.low = t.Price
		return &broker.Signal{
			Direction:  broker.DirectionShort,
			Entry:      t.Price,
			StopLoss:   t.Price + b.stopTicks*b.tickSize,
			TakeProfit: t.Price - b.targetTicks*b.tickSize,
			Confidence: 0.6,
		}
	}
	return nil
}
