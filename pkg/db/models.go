package db

import "time"

// ConnectionRow is one persisted connection record. Accounts holds the
// cached account list as JSON; PasswordEnc is the at-rest (possibly
// encrypted) venue password.
type ConnectionRow struct {
	ConnectionKey string
	Broker        string
	UserID        string
	Username      string
	PasswordEnc   string
	DeviceID      string
	Environment   string
	Accounts      string
	ConnectedAt   time.Time
}
