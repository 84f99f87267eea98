package events

import (
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventTick             Event = "tick"
	EventPnL              Event = "pnl"
	EventPosition         Event = "position"
	EventSignal           Event = "signal"
	EventTrade            Event = "trade"
	EventLog              Event = "log"
	EventStatus           Event = "status"
	EventSummary          Event = "summary"
	EventStopped          Event = "stopped"
	EventOrderSubmitted   Event = "order.submitted"
	EventOrderFilled      Event = "order.filled"
	EventOrderRejected    Event = "order.rejected"
	EventConnectionStatus Event = "connection_status"
)

// Log levels used in LogEvent.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// LogEvent is an operator-visible log line emitted by a core component.
type LogEvent struct {
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// StatusEvent reports an execution engine state change.
type StatusEvent struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// SignalEvent reports a strategy signal accepted by an engine.
type SignalEvent struct {
	SessionID string        `json:"session_id"`
	Symbol    string        `json:"symbol"`
	Signal    broker.Signal `json:"signal"`
	Price     float64       `json:"price"`
}

// TradeEvent reports a completed round trip with realized P&L.
type TradeEvent struct {
	SessionID  string      `json:"session_id"`
	Symbol     string      `json:"symbol"`
	Side       broker.Side `json:"side"`
	Qty        int         `json:"qty"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	PnL        float64     `json:"pnl"`
	Time       time.Time   `json:"time"`
}

// PnLEvent carries the latest P&L cache snapshot observed by an engine.
type PnLEvent struct {
	SessionID string             `json:"session_id"`
	AccountID string             `json:"account_id"`
	Snapshot  broker.PnLSnapshot `json:"snapshot"`
}

// PositionEvent reports the engine's open position; Qty 0 means closed.
type PositionEvent struct {
	SessionID string  `json:"session_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side,omitempty"`
	Qty       int     `json:"qty"`
	Entry     float64 `json:"entry,omitempty"`
}

// SummaryEvent is the end-of-session report emitted after the flatten
// sequence completes.
type SummaryEvent struct {
	SessionID   string        `json:"session_id"`
	StrategyID  string        `json:"strategy_id"`
	Symbol      string        `json:"symbol"`
	Duration    time.Duration `json:"duration"`
	Trades      int           `json:"trades"`
	Wins        int           `json:"wins"`
	Losses      int           `json:"losses"`
	WinRate     float64       `json:"win_rate"`
	TotalPnL    float64       `json:"total_pnl"`
	DailyTarget float64       `json:"daily_target,omitempty"`
	StopReason  string        `json:"stop_reason"`
}

// ConnectionStatusEvent broadcasts a daemon connection transition.
type ConnectionStatusEvent struct {
	ConnectionKey string `json:"connection_key"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}
