package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/erazemk/blagajna/internal/model"
)

const transactionColumns = `id, temp_id, ticket_number, created_at, total_amount, employee_share, employer_share,
	customer_id, customer_first_name, customer_last_name, customer_email, customer_badge_code,
	sync_status, sync_retry_count, last_sync_attempt, last_sync_error, next_retry_at, synced_at,
	server_ticket_number`

// EnqueueOfflineTransaction persists a new offline transaction with its lines.
// It never overwrites: an existing temp ID yields ErrDuplicateKey.
func EnqueueOfflineTransaction(ctx context.Context, db *sql.DB, t *model.OfflineTransaction) error {
	if t.SyncStatus == "" {
		t.SyncStatus = model.SyncPending
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning enqueue", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO offline_transactions (temp_id, ticket_number, created_at, total_amount, employee_share, employer_share,
		     customer_id, customer_first_name, customer_last_name, customer_email, customer_badge_code,
		     sync_status, sync_retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (temp_id) DO NOTHING`,
		t.TempID, t.TicketNumber, t.CreatedAt.UTC(), t.TotalAmount.String(), t.EmployeeShare.String(), t.EmployerShare.String(),
		t.Customer.ID, t.Customer.FirstName, t.Customer.LastName, t.Customer.Email, t.Customer.BadgeCode,
		string(t.SyncStatus), t.SyncRetryCount,
	)
	if err != nil {
		return storageErr("inserting offline transaction", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("inserting offline transaction", err)
	}
	if n == 0 {
		return fmt.Errorf("offline transaction %s: %w", t.TempID, ErrDuplicateKey)
	}

	rowID, err := result.LastInsertId()
	if err != nil {
		return storageErr("getting offline transaction id", err)
	}

	for i, l := range t.Lines {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO offline_transaction_lines (transaction_id, position, article_id, name, quantity,
			     unit_price, line_total, subsidy, employee_amount, unpriced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rowID, i, l.ArticleID, l.Name, l.Quantity,
			l.UnitPrice.String(), l.LineTotal.String(), l.Subsidy.String(), l.EmployeeAmount.String(), l.Unpriced,
		)
		if err != nil {
			return storageErr("inserting offline transaction line", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing offline transaction", err)
	}
	return nil
}

// GetTransaction returns an offline transaction by temp ID, or nil if it does not exist.
func GetTransaction(ctx context.Context, db *sql.DB, tempID string) (*model.OfflineTransaction, error) {
	txs, err := queryTransactions(ctx, db,
		`SELECT `+transactionColumns+` FROM offline_transactions WHERE temp_id = ?`, tempID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// ListTransactionsByStatus returns all offline transactions in the given
// status, oldest first.
func ListTransactionsByStatus(ctx context.Context, db *sql.DB, status model.SyncStatus) ([]model.OfflineTransaction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown sync status %q", status)
	}
	return queryTransactions(ctx, db,
		`SELECT `+transactionColumns+` FROM offline_transactions
		 WHERE sync_status = ? ORDER BY created_at, id`, string(status))
}

// ListTransactions returns every offline transaction, oldest first.
func ListTransactions(ctx context.Context, db *sql.DB) ([]model.OfflineTransaction, error) {
	return queryTransactions(ctx, db,
		`SELECT `+transactionColumns+` FROM offline_transactions ORDER BY created_at, id`)
}

// ListRetryableFailed returns FAILED transactions whose backoff has elapsed at now, oldest first.
func ListRetryableFailed(ctx context.Context, db *sql.DB, now time.Time) ([]model.OfflineTransaction, error) {
	return queryTransactions(ctx, db,
		`SELECT `+transactionColumns+` FROM offline_transactions
		 WHERE sync_status = 'FAILED' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY created_at, id`, now.UTC())
}

// ClaimTransaction moves a PENDING or FAILED transaction to SYNCING. It is a
// compare-and-set: when two workers race for the same record exactly one gets
// true. A record that is already SYNCING or SYNCED is not eligible.
func ClaimTransaction(ctx context.Context, db *sql.DB, tempID string, now time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE offline_transactions SET sync_status = 'SYNCING', last_sync_attempt = ?
		 WHERE temp_id = ? AND sync_status IN ('PENDING', 'FAILED')`,
		now.UTC(), tempID,
	)
	if err != nil {
		return false, storageErr("claiming offline transaction", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("claiming offline transaction", err)
	}
	if n == 1 {
		return true, nil
	}

	exists, err := transactionExists(ctx, db, tempID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("offline transaction %s: %w", tempID, ErrNotFound)
	}
	return false, nil
}

// StatusUpdate describes a sync status transition.
type StatusUpdate struct {
	Status model.SyncStatus
	At     time.Time

	// Error is recorded on FAILED transitions.
	Error string

	// NextRetryAt is the earliest time a FAILED record may be retried automatically.
	NextRetryAt *time.Time

	// ServerTicket is the ticket number issued by the server on SYNCED transitions.
	ServerTicket string
}

// UpdateTransactionStatus reads the record, applies the transition and its
// bookkeeping, and writes it back. A FAILED transition increments the retry
// count. A missing record yields ErrNotFound; nothing is ever created here.
func UpdateTransactionStatus(ctx context.Context, db *sql.DB, tempID string, u StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("unknown sync status %q", u.Status)
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning status update", err)
	}
	defer tx.Rollback()

	var rowID int64
	var retries int
	var lastErr, serverTicket sql.NullString
	var nextRetry, syncedAt *time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT id, sync_retry_count, last_sync_error, next_retry_at, synced_at, server_ticket_number
		 FROM offline_transactions WHERE temp_id = ?`, tempID,
	).Scan(&rowID, &retries, &lastErr, &nextRetry, &syncedAt, &serverTicket)
	if err == sql.ErrNoRows {
		return fmt.Errorf("offline transaction %s: %w", tempID, ErrNotFound)
	}
	if err != nil {
		return storageErr("reading offline transaction", err)
	}

	at = at.UTC()
	switch u.Status {
	case model.SyncFailed:
		retries++
		lastErr = nullString(u.Error)
		nextRetry = utcPtr(u.NextRetryAt)
	case model.SyncSynced:
		lastErr = sql.NullString{}
		nextRetry = nil
		syncedAt = &at
		if u.ServerTicket != "" {
			serverTicket = nullString(u.ServerTicket)
		}
	case model.SyncPending:
		nextRetry = nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE offline_transactions
		 SET sync_status = ?, sync_retry_count = ?, last_sync_attempt = ?, last_sync_error = ?,
		     next_retry_at = ?, synced_at = ?, server_ticket_number = ?
		 WHERE id = ?`,
		string(u.Status), retries, at, lastErr, nextRetry, syncedAt, serverTicket, rowID,
	)
	if err != nil {
		return storageErr("writing offline transaction status", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing status update", err)
	}
	return nil
}

// RequeueTransaction puts a FAILED transaction back to PENDING and clears its
// backoff. The retry count is kept for the record.
func RequeueTransaction(ctx context.Context, db *sql.DB, tempID string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE offline_transactions SET sync_status = 'PENDING', next_retry_at = NULL
		 WHERE temp_id = ? AND sync_status = 'FAILED'`, tempID,
	)
	if err != nil {
		return storageErr("requeueing offline transaction", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("requeueing offline transaction", err)
	}
	if n == 1 {
		return nil
	}

	exists, err := transactionExists(ctx, db, tempID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("offline transaction %s: %w", tempID, ErrNotFound)
	}
	return fmt.Errorf("offline transaction %s: %w", tempID, ErrNotRequeueable)
}

// RecoverStaleSyncing returns records stuck in SYNCING since before cutoff to
// FAILED. A run that was killed mid-attempt leaves its record SYNCING forever
// otherwise. The cutoff must be far beyond any request timeout.
func RecoverStaleSyncing(ctx context.Context, db *sql.DB, cutoff time.Time) (int, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE offline_transactions
		 SET sync_status = 'FAILED', sync_retry_count = sync_retry_count + 1,
		     last_sync_error = 'sync attempt interrupted', next_retry_at = NULL
		 WHERE sync_status = 'SYNCING' AND last_sync_attempt < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, storageErr("recovering stale syncing records", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("recovering stale syncing records", err)
	}
	return int(n), nil
}

// PruneSynced deletes SYNCED transactions that were synced before cutoff.
// This is explicit housekeeping; records in any other state are never deleted.
func PruneSynced(ctx context.Context, db *sql.DB, cutoff time.Time) (int, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM offline_transactions WHERE sync_status = 'SYNCED' AND synced_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, storageErr("pruning synced transactions", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("pruning synced transactions", err)
	}
	return int(n), nil
}

// CountByStatus returns the number of offline transactions per sync status.
func CountByStatus(ctx context.Context, db *sql.DB) (map[model.SyncStatus]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM offline_transactions GROUP BY sync_status`,
	)
	if err != nil {
		return nil, storageErr("counting transactions", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scanning transaction count", err)
		}
		counts[model.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("counting transactions", err)
	}
	return counts, nil
}

func transactionExists(ctx context.Context, db *sql.DB, tempID string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_transactions WHERE temp_id = ?`, tempID,
	).Scan(&count)
	if err != nil {
		return false, storageErr("checking offline transaction", err)
	}
	return count > 0, nil
}

// queryTransactions runs a header query and then loads the lines. The header
// rows are fully read and closed first so the lines query can reuse the
// connection.
func queryTransactions(ctx context.Context, db *sql.DB, query string, args ...any) ([]model.OfflineTransaction, error) {
	txs, rowIDs, err := queryTransactionHeaders(ctx, db, query, args...)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return txs, nil
	}

	lines, err := loadLines(ctx, db, rowIDs)
	if err != nil {
		return nil, err
	}
	for i, id := range rowIDs {
		txs[i].Lines = lines[id]
		if txs[i].Lines == nil {
			txs[i].Lines = []model.Line{}
		}
	}
	return txs, nil
}

func queryTransactionHeaders(ctx context.Context, db *sql.DB, query string, args ...any) ([]model.OfflineTransaction, []int64, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, storageErr("listing offline transactions", err)
	}
	defer rows.Close()

	txs := []model.OfflineTransaction{}
	var rowIDs []int64
	for rows.Next() {
		var t model.OfflineTransaction
		var rowID int64
		var status string
		var lastErr, serverTicket sql.NullString
		if err := rows.Scan(&rowID, &t.TempID, &t.TicketNumber, &t.CreatedAt,
			&t.TotalAmount, &t.EmployeeShare, &t.EmployerShare,
			&t.Customer.ID, &t.Customer.FirstName, &t.Customer.LastName, &t.Customer.Email, &t.Customer.BadgeCode,
			&status, &t.SyncRetryCount, &t.LastSyncAttempt, &lastErr, &t.NextRetryAt, &t.SyncedAt,
			&serverTicket); err != nil {
			return nil, nil, storageErr("scanning offline transaction", err)
		}
		t.SyncStatus = model.SyncStatus(status)
		t.LastSyncError = lastErr.String
		t.ServerTicketNumber = serverTicket.String
		txs = append(txs, t)
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storageErr("listing offline transactions", err)
	}
	return txs, rowIDs, nil
}

func loadLines(ctx context.Context, db *sql.DB, rowIDs []int64) (map[int64][]model.Line, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rowIDs)), ",")
	args := make([]any, len(rowIDs))
	for i, id := range rowIDs {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx,
		`SELECT transaction_id, article_id, name, quantity, unit_price, line_total, subsidy, employee_amount, unpriced
		 FROM offline_transaction_lines
		 WHERE transaction_id IN (`+placeholders+`)
		 ORDER BY transaction_id, position`, args...,
	)
	if err != nil {
		return nil, storageErr("loading transaction lines", err)
	}
	defer rows.Close()

	lines := make(map[int64][]model.Line)
	for rows.Next() {
		var id int64
		var l model.Line
		if err := rows.Scan(&id, &l.ArticleID, &l.Name, &l.Quantity,
			&l.UnitPrice, &l.LineTotal, &l.Subsidy, &l.EmployeeAmount, &l.Unpriced); err != nil {
			return nil, storageErr("scanning transaction line", err)
		}
		lines[id] = append(lines[id], l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("loading transaction lines", err)
	}
	return lines, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
