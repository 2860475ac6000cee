// Package storage provides database access and repositories
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	db, err := sql.Open("sqlite3", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Concurrent entity scans write through the same handle
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	migrations := []string{
		createOpportunitiesTable,
		createWashSaleWindowsTable,
		createPurchasesTable,
		createSettingsTable,
		createAuditEntriesTable,
		createAPIClientsTable,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// timestamps are stored as RFC3339Nano text so they round-trip exactly
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

const createOpportunitiesTable = `
CREATE TABLE IF NOT EXISTS opportunities (
	id TEXT PRIMARY KEY,
	tax_entity_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	status TEXT NOT NULL,
	unrealized_loss TEXT NOT NULL,
	version INTEGER NOT NULL,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_opportunities_entity ON opportunities(tax_entity_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
`

const createWashSaleWindowsTable = `
CREATE TABLE IF NOT EXISTS wash_sale_windows (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	status TEXT NOT NULL,
	sale_date TEXT NOT NULL,
	window_end TEXT NOT NULL,
	loss_amount TEXT NOT NULL,
	version INTEGER NOT NULL,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_windows_entity ON wash_sale_windows(entity_id);
CREATE INDEX IF NOT EXISTS idx_windows_symbol ON wash_sale_windows(symbol);
`

const createPurchasesTable = `
CREATE TABLE IF NOT EXISTS purchases (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	account_id TEXT,
	symbol TEXT NOT NULL,
	purchase_date TEXT NOT NULL,
	transaction_id TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchases_entity ON purchases(entity_id);
CREATE INDEX IF NOT EXISTS idx_purchases_date ON purchases(purchase_date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_purchases_txn ON purchases(entity_id, transaction_id) WHERE transaction_id <> '';
`

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS harvesting_settings (
	tax_entity_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const createAuditEntriesTable = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	subject TEXT NOT NULL,
	action TEXT NOT NULL,
	from_status TEXT,
	to_status TEXT,
	actor TEXT,
	detail TEXT,
	timestamp TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	UNIQUE (entity_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_entries(subject);
`

const createAPIClientsTable = `
CREATE TABLE IF NOT EXISTS api_clients (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	secret_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_used_at TEXT
);
`
