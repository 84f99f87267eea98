package strategy

import (
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// momentum signals in the direction of a run of consecutive one-sided ticks.
//
// Params:
//
//	streak       ticks in the same direction required to fire (default 5)
//	stop_ticks   protective stop distance in ticks (default 10)
//	target_ticks profit target distance in ticks (default 20)
type momentum struct {
	tickSize    float64
	streak      int
	stopTicks   float64
	targetTicks float64

	lastPrice float64
	upRun     int
	downRun   int
}

func newMomentum(p Preset) broker.Strategy {
	tickSize := p.TickSize
	if tickSize <= 0 {
		tickSize = 0.25
	}
	return &momentum{
		tickSize:    tickSize,
		streak:      int(p.param("streak", 5)),
		stopTicks:   p.param("stop_ticks", 10),
		targetTicks: p.param("target_ticks", 20),
	}
}

func (m *momentum) ProcessTick(t broker.Tick) *broker.Signal {
	defer func() { m.lastPrice = t.Price }()
	if m.lastPrice == 0 {
		return nil
	}

	switch {
	case t.Price > m.lastPrice:
		m.upRun++
		m.downRun = 0
	case t.Price < m.lastPrice:
		m.downRun++
		m.upRun = 0
	default:
		return nil
	}

	if m.upRun >= m.streak {
		m.upRun, m.downRun = 0, 0
		return &broker.Signal{
			Direction:  broker.DirectionLong,
			Entry:      t.Price,
			StopLoss:   t.Price - m.stopTicks*m.tickSize,
			TakeProfit: t.Price + m.targetTicks*m.tickSize,
			Confidence: 0.5,
		}
	}
	if m.downRun >= m.streak {
		m.upRun, m.downRun = 0, 0
		return &broker.Signal{
			Direction:  broker.DirectionShort,
			Entry:      t.Price,
			StopLoss:   t.Price + m.stopTicks*m.tickSize,
			TakeProfit: t.Price - m.targetTicks*m.tickSize,
			Confidence: 0.5,
		}
	}
	return nil
}
