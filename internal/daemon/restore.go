package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/db"
)

// Restore loads persisted connections and re-authenticates each one. One
// entry failing never aborts the others; entries that exhaust their retry
// budget stay registered as disconnected so an operator can reconnect them
// later. Returns the number of connections brought back up.
func (d *Daemon) Restore(ctx context.Context) (int, error) {
	rows, err := d.store.ListConnections(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted connections: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	log.Printf("daemon: restoring %d persisted connection(s)", len(rows))

	restored := 0
	for _, row := range rows {
		if err := d.restoreOne(ctx, row); err != nil {
			log.Printf("daemon: restore %s failed: %v", row.ConnectionKey, err)
			continue
		}
		restored++
	}
	if err := d.persist(ctx); err != nil {
		log.Printf("daemon: persist after restore failed: %v", err)
	}
	return restored, nil
}

func (d *Daemon) restoreOne(ctx context.Context, row db.ConnectionRow) error {
	creds, cached, err := d.decodeRow(row)
	if err != nil {
		return err
	}

	key := creds.ConnectionKey()
	d.mu.Lock()
	rec, ok := d.records[key]
	if !ok {
		rec = &ConnectionRecord{Key: key, Credentials: creds}
		d.records[key] = rec
	}
	rec.Credentials = creds
	rec.Accounts = cached
	rec.Status = StatusConnecting
	d.mu.Unlock()
	d.broadcast(key, StatusConnecting, nil)

	opts := broker.LoginOptions{SkipFetchAccounts: true, CachedAccounts: cached}
	if !validAccounts(cached) {
		// The cached list failed validation for this entry only; fall back to
		// a full account fetch rather than poisoning the restored record.
		opts = broker.LoginOptions{}
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.RestoreAttempts; attempt++ {
		if _, lastErr = d.connect(ctx, creds, opts); lastErr == nil {
			return nil
		}
		log.Printf("daemon: restore %s attempt %d/%d: %v", key, attempt, d.cfg.RestoreAttempts, lastErr)
		if attempt < d.cfg.RestoreAttempts {
			d.sleep(d.cfg.RestoreRetryDelay)
		}
	}

	d.mu.Lock()
	rec.Status = StatusDisconnected
	rec.LastError = lastErr.Error()
	d.mu.Unlock()
	d.broadcast(key, StatusDisconnected, lastErr)
	return lastErr
}

// decodeRow turns a persisted row back into credentials plus the cached
// account list, decrypting the password when an encryptor is configured.
func (d *Daemon) decodeRow(row db.ConnectionRow) (broker.Credentials, []broker.Account, error) {
	password := row.PasswordEnc
	if d.enc != nil {
		plain, err := d.enc.Decrypt(password)
		if err != nil {
			return broker.Credentials{}, nil, fmt.Errorf("decrypt credentials for %s: %w", row.ConnectionKey, err)
		}
		password = plain
	}
	creds := broker.Credentials{
		Broker:      row.Broker,
		UserID:      row.UserID,
		Username:    row.Username,
		Password:    password,
		DeviceID:    row.DeviceID,
		Environment: row.Environment,
	}

	var cached []broker.Account
	if row.Accounts != "" {
		if err := json.Unmarshal([]byte(row.Accounts), &cached); err != nil {
			// A mangled account blob is recoverable: log and re-fetch.
			log.Printf("daemon: cached accounts for %s unreadable, will re-fetch: %v", row.ConnectionKey, err)
			cached = nil
		}
	}
	return creds, cached, nil
}
