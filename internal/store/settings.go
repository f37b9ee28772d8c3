package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Setting keys.
const (
	settingAPIKeyHash      = "api_key_hash"
	settingLastSyncAt      = "last_sync_at"
	settingCatalogueSyncAt = "catalogue_synced_at"
	settingSyncRequested   = "sync_requested"
)

// GetSetting returns the value stored under key and whether it exists.
func GetSetting(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr(fmt.Sprintf("reading setting %s", key), err)
	}
	return value, true, nil
}

// SetSetting stores value under key, replacing any previous value.
func SetSetting(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return storageErr(fmt.Sprintf("writing setting %s", key), err)
	}
	return nil
}

// InitAPIKeyHash stores the hash of the local API key unless one already exists.
// Uses INSERT OR IGNORE so two processes starting together cannot both win.
// Reports whether this call stored the hash.
func InitAPIKeyHash(ctx context.Context, db *sql.DB, hash string) (bool, error) {
	result, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`,
		settingAPIKeyHash, hash,
	)
	if err != nil {
		return false, storageErr("storing api key hash", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("storing api key hash", err)
	}
	return n == 1, nil
}

// APIKeyHash returns the stored hash of the local API key, or "" if none is set.
func APIKeyHash(ctx context.Context, db *sql.DB) (string, error) {
	hash, _, err := GetSetting(ctx, db, settingAPIKeyHash)
	return hash, err
}

// SetAPIKeyHash replaces the stored hash of the local API key.
func SetAPIKeyHash(ctx context.Context, db *sql.DB, hash string) error {
	return SetSetting(ctx, db, settingAPIKeyHash, hash)
}

// LastSyncAt returns when the last reconciliation run completed, or nil.
func LastSyncAt(ctx context.Context, db *sql.DB) (*time.Time, error) {
	return getTime(ctx, db, settingLastSyncAt)
}

// SetLastSyncAt records when a reconciliation run completed.
func SetLastSyncAt(ctx context.Context, db *sql.DB, at time.Time) error {
	return SetSetting(ctx, db, settingLastSyncAt, at.UTC().Format(time.RFC3339Nano))
}

// CatalogueSyncedAt returns when the catalogue cache was last replaced, or nil.
func CatalogueSyncedAt(ctx context.Context, db *sql.DB) (*time.Time, error) {
	return getTime(ctx, db, settingCatalogueSyncAt)
}

// SetCatalogueSyncedAt records when the catalogue cache was replaced.
func SetCatalogueSyncedAt(ctx context.Context, db *sql.DB, at time.Time) error {
	return SetSetting(ctx, db, settingCatalogueSyncAt, at.UTC().Format(time.RFC3339Nano))
}

// RequestSync leaves a durable hint that reconciliation should run. Any
// process sharing the database may consume it.
func RequestSync(ctx context.Context, db *sql.DB, at time.Time) error {
	return SetSetting(ctx, db, settingSyncRequested, at.UTC().Format(time.RFC3339Nano))
}

// TakeSyncRequest consumes the sync hint and reports whether one was pending.
func TakeSyncRequest(ctx context.Context, db *sql.DB) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, settingSyncRequested)
	if err != nil {
		return false, storageErr("taking sync request", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("taking sync request", err)
	}
	return n == 1, nil
}

func getTime(ctx context.Context, db *sql.DB, key string) (*time.Time, error) {
	value, ok, err := GetSetting(ctx, db, key)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("parsing setting %s: %w", key, err)
	}
	return &t, nil
}
