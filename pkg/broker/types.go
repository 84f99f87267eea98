package broker

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the flattening side for this side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// Direction is a strategy signal direction.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Sign returns +1 for long, -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Credentials identifies one (user, broker) venue login.
type Credentials struct {
	Broker      string `json:"broker"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DeviceID    string `json:"device_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// ConnectionKey is the identifier under which the daemon tracks one
// persistent venue connection.
func (c Credentials) ConnectionKey() string {
	return c.Broker + c.UserID
}

// Account is a trading account as reported by the venue.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	Active bool   `json:"active"`
}

// Contract describes a tradable instrument.
type Contract struct {
	Symbol      string  `json:"symbol"`
	Exchange    string  `json:"exchange"`
	Description string  `json:"description,omitempty"`
	TickSize    float64 `json:"tick_size"`
	TickValue   float64 `json:"tick_value"`
}

// OrderRequest captures an order intent to be sent to the venue.
type OrderRequest struct {
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Qty       int       `json:"qty"`
	Price     float64   `json:"price,omitempty"`
	StopPrice float64   `json:"stop_price,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
}

// OrderResult returns the venue ack for an order submission.
type OrderResult struct {
	Success   bool    `json:"success"`
	OrderID   string  `json:"order_id,omitempty"`
	FillPrice float64 `json:"fill_price,omitempty"`
	Err       string  `json:"error,omitempty"`
}

// OrderNotification is a push update about a working or filled order.
// Closing is set by the venue on notifications that close an open position.
type OrderNotification struct {
	OrderID   string  `json:"order_id"`
	AccountID string  `json:"account_id"`
	Symbol    string  `json:"symbol"`
	Status    string  `json:"status"`
	Qty       int     `json:"qty"`
	FillPrice float64 `json:"fill_price,omitempty"`
	Closing   bool    `json:"closing"`
}

// Order notification statuses as normalized from the venue.
const (
	OrderStatusFilled   = "FILLED"
	OrderStatusCanceled = "CANCELED"
	OrderStatusRejected = "REJECTED"
)

// Position is a venue-reported open position. Quantity is signed:
// positive for long, negative for short.
type Position struct {
	AccountID string  `json:"account_id"`
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Quantity  int     `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
}

// PnLSnapshot is the push-updated P&L cache entry for one account.
// Readers must tolerate a zero-value (not yet pushed) snapshot.
type PnLSnapshot struct {
	PnL       float64   `json:"pnl"`
	OpenPnL   float64   `json:"open_pnl"`
	ClosedPnL float64   `json:"closed_pnl"`
	Balance   float64   `json:"balance"`
	Valid     bool      `json:"valid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tick is a single market data update from the tick feed.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int       `json:"volume"`
	Side      string    `json:"side,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Signal is a trade decision emitted by a strategy.
type Signal struct {
	Direction  Direction `json:"direction"`
	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Confidence float64   `json:"confidence"`
}
