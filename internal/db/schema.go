package db

import (
	"database/sql"
	"fmt"
)

// schema is the full database schema.
const schema = `
CREATE TABLE IF NOT EXISTS catalogue_items (
    id        INTEGER PRIMARY KEY,
    position  INTEGER NOT NULL,
    name      TEXT NOT NULL,
    price     TEXT NOT NULL,
    quantity  INTEGER NOT NULL DEFAULT 0,
    available INTEGER NOT NULL DEFAULT 1,
    active    INTEGER NOT NULL DEFAULT 1,
    image_url TEXT
);

CREATE TABLE IF NOT EXISTS catalogue_thumbnails (
    item_id    INTEGER PRIMARY KEY,
    source_url TEXT NOT NULL,
    data       BLOB NOT NULL,
    mime       TEXT NOT NULL,
    fetched_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS badge_profiles (
    badge_code  TEXT PRIMARY KEY,
    id          INTEGER NOT NULL,
    first_name  TEXT NOT NULL DEFAULT '',
    last_name   TEXT NOT NULL DEFAULT '',
    email       TEXT NOT NULL DEFAULT '',
    balance     TEXT NOT NULL DEFAULT '0',
    category_id INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 1,
    cached_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS offline_transactions (
    id                   INTEGER PRIMARY KEY,
    temp_id              TEXT NOT NULL UNIQUE,
    ticket_number        TEXT NOT NULL,
    created_at           DATETIME NOT NULL,
    total_amount         TEXT NOT NULL,
    employee_share       TEXT NOT NULL,
    employer_share       TEXT NOT NULL,
    customer_id          INTEGER NOT NULL DEFAULT 0,
    customer_first_name  TEXT NOT NULL DEFAULT '',
    customer_last_name   TEXT NOT NULL DEFAULT '',
    customer_email       TEXT NOT NULL,
    customer_badge_code  TEXT NOT NULL DEFAULT '',
    sync_status          TEXT NOT NULL DEFAULT 'PENDING' CHECK (sync_status IN ('PENDING', 'SYNCING', 'SYNCED', 'FAILED')),
    sync_retry_count     INTEGER NOT NULL DEFAULT 0,
    last_sync_attempt    DATETIME,
    last_sync_error      TEXT,
    next_retry_at        DATETIME,
    synced_at            DATETIME,
    server_ticket_number TEXT
);

CREATE INDEX IF NOT EXISTS idx_offline_transactions_status
    ON offline_transactions(sync_status, created_at);

CREATE TABLE IF NOT EXISTS offline_transaction_lines (
    transaction_id  INTEGER NOT NULL REFERENCES offline_transactions(id) ON DELETE CASCADE,
    position        INTEGER NOT NULL,
    article_id      INTEGER NOT NULL,
    name            TEXT NOT NULL,
    quantity        INTEGER NOT NULL CHECK (quantity > 0),
    unit_price      TEXT NOT NULL,
    line_total      TEXT NOT NULL,
    subsidy         TEXT NOT NULL,
    employee_amount TEXT NOT NULL,
    unpriced        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (transaction_id, position)
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// EnsureSchema creates all tables and indexes if they don't already exist.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
