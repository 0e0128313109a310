package storage

import "fmt"

// schemaStatements is the idempotent schema. Amounts are decimal strings to
// preserve 128-bit precision; timestamps are ISO-8601 UTC strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS merchants (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		email              TEXT UNIQUE,
		xpub               TEXT NOT NULL,
		next_address_index INTEGER NOT NULL DEFAULT 0,
		api_key            TEXT,
		api_key_digest     TEXT,
		webhook_url        TEXT,
		webhook_secret     TEXT NOT NULL,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_merchants_api_key_digest ON merchants(api_key_digest)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		merchant_id        TEXT NOT NULL REFERENCES merchants(id),
		address            TEXT NOT NULL,
		address_index      INTEGER NOT NULL,
		amount_sompi       TEXT NOT NULL,
		status             TEXT NOT NULL,
		subscription_token TEXT NOT NULL,
		tx_id              TEXT,
		confirmations      INTEGER NOT NULL DEFAULT 0,
		initial_blue_score INTEGER,
		order_id           TEXT,
		metadata           TEXT,
		redirect_url       TEXT,
		created_at         TEXT NOT NULL,
		expires_at         TEXT NOT NULL,
		paid_at            TEXT,
		confirmed_at       TEXT,
		updated_at         TEXT NOT NULL
	)`,
	// The derived address is unique only while the session is live; terminal
	// sessions release it for reuse by later derivations.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_address
		ON sessions(address) WHERE status IN ('pending', 'confirming')`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_merchant_status_created
		ON sessions(merchant_id, status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_merchant_address_index
		ON sessions(merchant_id, address_index)`,

	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id                    TEXT PRIMARY KEY,
		session_id            TEXT NOT NULL REFERENCES sessions(id),
		merchant_id           TEXT NOT NULL REFERENCES merchants(id),
		event                 TEXT NOT NULL,
		payload               TEXT NOT NULL,
		delivery_id           TEXT NOT NULL,
		attempts              INTEGER NOT NULL DEFAULT 0,
		last_status_code      INTEGER,
		last_response_snippet TEXT,
		next_retry_at         TEXT,
		created_at            TEXT NOT NULL,
		delivered_at          TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_logs_merchant_created
		ON webhook_logs(merchant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_logs_next_retry
		ON webhook_logs(next_retry_at) WHERE delivered_at IS NULL`,
}

// initSchema applies the idempotent schema. Failure here is fatal at startup.
func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: init schema: %w", err)
		}
	}
	return nil
}
