package db

import (
	"context"
	"fmt"
)

// ReplaceConnections atomically replaces the persisted connection set with
// the given rows. The daemon calls this on every transition and on a fixed
// interval, so a crash loses at most one interval of churn.
func (s *Store) ReplaceConnections(ctx context.Context, rows []ConnectionRow) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM connections`); err != nil {
		return fmt.Errorf("clear connections: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO connections
			(connection_key, broker, user_id, username, password_enc, device_id, environment, accounts, connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.ConnectionKey, r.Broker, r.UserID, r.Username, r.PasswordEnc,
			r.DeviceID, r.Environment, r.Accounts, r.ConnectedAt,
		); err != nil {
			return fmt.Errorf("insert connection %s: %w", r.ConnectionKey, err)
		}
	}

	return tx.Commit()
}

// ListConnections returns every persisted connection record.
func (s *Store) ListConnections(ctx context.Context) ([]ConnectionRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT connection_key, broker, user_id, username, password_enc,
		       device_id, environment, accounts, connected_at
		FROM connections
		ORDER BY connection_key
	`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []ConnectionRow
	for rows.Next() {
		var r ConnectionRow
		if err := rows.Scan(
			&r.ConnectionKey, &r.Broker, &r.UserID, &r.Username, &r.PasswordEnc,
			&r.DeviceID, &r.Environment, &r.Accounts, &r.ConnectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteConnection removes one record, used on explicit logout.
func (s *Store) DeleteConnection(ctx context.Context, connectionKey string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM connections WHERE connection_key = ?`, connectionKey); err != nil {
		return fmt.Errorf("delete connection %s: %w", connectionKey, err)
	}
	return nil
}
