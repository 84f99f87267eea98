package daemon

import (
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// Status is the lifecycle status of one connection record.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusRateLimited  Status = "rate_limited"
)

// ConnectionRecord tracks one persistent (user, broker) venue connection.
// There is at most one record per connection key; records survive daemon
// restarts via the store and are destroyed only on explicit logout.
type ConnectionRecord struct {
	Key         string
	Credentials broker.Credentials
	Handle      broker.Handle // nil while disconnected
	Accounts    []broker.Account
	ConnectedAt time.Time
	Status      Status
	LastError   string
}

// RecordInfo is a handle-free snapshot of a ConnectionRecord safe to hand to
// transport layers.
type RecordInfo struct {
	Key         string           `json:"connection_key"`
	Broker      string           `json:"broker"`
	UserID      string           `json:"user_id"`
	Username    string           `json:"username"`
	Status      Status           `json:"status"`
	ConnectedAt time.Time        `json:"connected_at,omitempty"`
	Accounts    []broker.Account `json:"accounts"`
	LastError   string           `json:"error,omitempty"`
}

func (r *ConnectionRecord) info() RecordInfo {
	accounts := make([]broker.Account, len(r.Accounts))
	copy(accounts, r.Accounts)
	return RecordInfo{
		Key:         r.Key,
		Broker:      r.Credentials.Broker,
		UserID:      r.Credentials.UserID,
		Username:    r.Credentials.Username,
		Status:      r.Status,
		ConnectedAt: r.ConnectedAt,
		Accounts:    accounts,
		LastError:   r.LastError,
	}
}

// validAccounts reports whether a cached account list is structurally sound
// enough to reuse on a reconnect without a venue re-fetch.
func validAccounts(accounts []broker.Account) bool {
	if len(accounts) == 0 {
		return false
	}
	for _, a := range accounts {
		if a.ID == "" {
			return false
		}
	}
	return true
}
