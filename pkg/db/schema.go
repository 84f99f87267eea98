package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS connections (
    connection_key TEXT PRIMARY KEY,
    broker TEXT NOT NULL,
    user_id TEXT NOT NULL,
    username TEXT NOT NULL,
    password_enc TEXT NOT NULL,
    device_id TEXT DEFAULT '',
    environment TEXT DEFAULT '',
    accounts TEXT DEFAULT '[]',
    connected_at DATETIME
);
`

func (s *Store) applySchema() error {
	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
