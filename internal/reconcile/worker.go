// Package reconcile replays transactions recorded offline against the server.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/erazemk/blagajna/internal/model"
	"github.com/erazemk/blagajna/internal/session"
	"github.com/erazemk/blagajna/internal/store"
)

// bookkeepingTimeout bounds the status writes that settle a claimed record.
const bookkeepingTimeout = 5 * time.Second

// ErrAlreadyRunning is returned when a run is requested while another run in
// this process has not finished.
var ErrAlreadyRunning = errors.New("reconciliation already running")

// Remote submits a transaction to the server.
type Remote interface {
	SubmitTransaction(ctx context.Context, req model.TransactionRequest) (*model.TransactionResult, error)
}

// Connectivity reports the current reachability belief.
type Connectivity interface {
	IsOnline() bool
}

// Publisher receives run events.
type Publisher interface {
	Publish(m session.Message)
}

// Options controls a single run.
type Options struct {
	// RetryFailed includes FAILED records whose backoff has elapsed.
	RetryFailed bool
}

// Config holds the retry policy.
type Config struct {
	// BackoffBase is the delay before the first automatic retry of a FAILED
	// record. Each further failure doubles it.
	BackoffBase time.Duration

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration

	// StaleAfter is how long a record may stay SYNCING before it is
	// considered abandoned by a crashed run.
	StaleAfter time.Duration
}

// Worker drains the offline queue. Records are processed one at a time in
// creation order.
type Worker struct {
	db     *sql.DB
	remote Remote
	oracle Connectivity
	events Publisher
	cfg    Config
	now    func() time.Time

	running sync.Mutex
}

// NewWorker creates a worker. events may be nil.
func NewWorker(db *sql.DB, remote Remote, oracle Connectivity, events Publisher, cfg Config) *Worker {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Worker{db: db, remote: remote, oracle: oracle, events: events, cfg: cfg, now: time.Now}
}

// Run performs one reconciliation pass. Per-record failures are recorded on
// the record and in the result; the returned error is only set when the run
// could not start.
func (w *Worker) Run(ctx context.Context, opts Options) (*model.SyncResult, error) {
	if !w.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer w.running.Unlock()

	result := &model.SyncResult{Errors: []model.SyncError{}}
	if !w.oracle.IsOnline() {
		slog.Debug("skipping reconciliation while offline")
		return result, nil
	}

	candidates, err := w.candidates(ctx, opts)
	if err != nil {
		w.publish(session.Message{Type: session.MsgSyncError, Error: err.Error()})
		return nil, err
	}
	if len(candidates) > 0 {
		slog.Info("reconciliation started", "records", len(candidates), "retry_failed", opts.RetryFailed)
	}

	for _, tx := range candidates {
		if ctx.Err() != nil {
			break
		}
		w.syncOne(ctx, tx, result)
	}

	bctx, cancel := settle(ctx)
	defer cancel()
	if err := store.SetLastSyncAt(bctx, w.db, w.now()); err != nil {
		slog.Error("recording last sync time", "error", err)
	}

	if len(candidates) > 0 {
		slog.Info("reconciliation finished", "synced", result.Synced, "failed", result.Failed, "skipped", result.Skipped)
	}
	w.publish(session.Message{Type: session.MsgSyncComplete, Result: result})
	return result, nil
}

// candidates returns the records this run will attempt, oldest first.
func (w *Worker) candidates(ctx context.Context, opts Options) ([]model.OfflineTransaction, error) {
	now := w.now()
	recovered, err := store.RecoverStaleSyncing(ctx, w.db, now.Add(-w.cfg.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("recovering stale records: %w", err)
	}
	if recovered > 0 {
		slog.Warn("recovered interrupted sync attempts", "count", recovered)
	}

	pending, err := store.ListTransactionsByStatus(ctx, w.db, model.SyncPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending transactions: %w", err)
	}
	if !opts.RetryFailed {
		return pending, nil
	}

	failed, err := store.ListRetryableFailed(ctx, w.db, now)
	if err != nil {
		return nil, fmt.Errorf("listing failed transactions: %w", err)
	}
	all := append(pending, failed...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}

func (w *Worker) syncOne(ctx context.Context, tx model.OfflineTransaction, result *model.SyncResult) {
	claimed, err := store.ClaimTransaction(ctx, w.db, tx.TempID, w.now())
	if err != nil {
		slog.Error("claiming offline transaction", "temp_id", tx.TempID, "error", err)
		result.Skipped++
		result.Errors = append(result.Errors, model.SyncError{TempID: tx.TempID, Message: err.Error()})
		return
	}
	if !claimed {
		// Another run owns it or already settled it.
		result.Skipped++
		return
	}

	res, err := w.remote.SubmitTransaction(ctx, tx.Request())
	if err != nil {
		w.markFailed(ctx, tx, err, result)
		return
	}

	bctx, cancel := settle(ctx)
	defer cancel()
	err = store.UpdateTransactionStatus(bctx, w.db, tx.TempID, store.StatusUpdate{
		Status:       model.SyncSynced,
		At:           w.now(),
		ServerTicket: res.TicketNumber,
	})
	if err != nil {
		// The server has the sale. A record left SYNCING here is recovered as
		// FAILED after StaleAfter and would be submitted again.
		slog.Error("recording synced transaction", "temp_id", tx.TempID, "server_ticket", res.TicketNumber, "error", err)
	}
	result.Synced++
	slog.Info("offline transaction synced", "temp_id", tx.TempID, "ticket", tx.TicketNumber, "server_ticket", res.TicketNumber)
}

func (w *Worker) markFailed(ctx context.Context, tx model.OfflineTransaction, syncErr error, result *model.SyncResult) {
	now := w.now()
	next := now.Add(w.Backoff(tx.SyncRetryCount + 1))

	bctx, cancel := settle(ctx)
	defer cancel()
	err := store.UpdateTransactionStatus(bctx, w.db, tx.TempID, store.StatusUpdate{
		Status:      model.SyncFailed,
		At:          now,
		Error:       syncErr.Error(),
		NextRetryAt: &next,
	})
	if err != nil {
		slog.Error("recording failed transaction", "temp_id", tx.TempID, "error", err)
	}

	result.Failed++
	result.Errors = append(result.Errors, model.SyncError{TempID: tx.TempID, Message: syncErr.Error()})
	slog.Warn("offline transaction sync failed", "temp_id", tx.TempID, "attempt", tx.SyncRetryCount+1, "next_retry", next, "error", syncErr)
}

// settle returns a context for writes that must land even when the run is
// being cancelled, so a claimed record never stays SYNCING after its attempt.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// Backoff returns the delay before automatic retry number attempt (1-based).
func (w *Worker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := w.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}
	return d
}

func (w *Worker) publish(m session.Message) {
	if w.events != nil {
		w.events.Publish(m)
	}
}
