package algo

import (
	"errors"
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// State is the engine lifecycle state. Stopped is terminal; a stopped
// engine is discarded by its owner, never restarted.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// transitions is the closed set of legal state changes.
var transitions = map[State]map[State]bool{
	StateIdle:     {StateRunning: true},
	StateRunning:  {StateStopping: true},
	StateStopping: {StateStopped: true},
}

var (
	ErrAlreadyRunning = errors.New("engine is already running")
	ErrStopped        = errors.New("engine is stopped and cannot be reused")
	ErrInvalidConfig  = errors.New("invalid engine config")
	ErrNoCredentials  = errors.New("no venue credentials; session is not logged in")
)

// Stop reasons recorded in the session summary.
const (
	ReasonManual  = "manual"
	ReasonTarget  = "target"
	ReasonRisk    = "risk"
	ReasonSession = "session"
)

// Config is the immutable run configuration of one engine.
type Config struct {
	StrategyID  string
	Symbol      string
	Exchange    string
	AccountID   string
	Size        int
	DailyTarget float64 // stop with reason "target" when realized P&L reaches this; 0 disables
	MaxRisk     float64 // stop with reason "risk" when realized P&L reaches -MaxRisk; 0 disables
	TickSize    float64
	TickValue   float64
}

func (c *Config) validate() error {
	if c.StrategyID == "" || c.Symbol == "" || c.AccountID == "" {
		return ErrInvalidConfig
	}
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.TickSize <= 0 {
		c.TickSize = 1
	}
	if c.TickValue <= 0 {
		c.TickValue = c.TickSize
	}
	return nil
}

// Position is the engine's record of its single open position. It is
// replaced wholesale, never mutated in place, so concurrent readers never
// observe a half-updated record.
type Position struct {
	Side       broker.Side
	Qty        int
	EntryPrice float64
	Symbol     string
	EntryTime  time.Time
	OrderID    string
}

// Bracket tracks the paired exit orders protecting the open position.
type Bracket struct {
	StopOrderID   string
	TargetOrderID string
}

// Stats accumulates realized results for the session summary.
type Stats struct {
	Trades    int
	Wins      int
	Losses    int
	TotalPnL  float64
	StartTime time.Time
}
