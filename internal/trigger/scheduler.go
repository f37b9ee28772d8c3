// Package trigger decides when reconciliation runs inside the agent: on
// connectivity returning, on explicit registration and on a fixed interval.
package trigger

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/erazemk/blagajna/internal/connectivity"
	"github.com/erazemk/blagajna/internal/model"
	"github.com/erazemk/blagajna/internal/reconcile"
	"github.com/erazemk/blagajna/internal/store"
)

// Runner runs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context, opts reconcile.Options) (*model.SyncResult, error)
}

// Oracle is the part of the connectivity oracle the scheduler listens to.
type Oracle interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.State, func())
}

// Scheduler triggers reconciliation runs. The sync hint it registers lives in
// the store, so a host-scheduled `blagajna sync` can pick it up when the agent
// is not running.
type Scheduler struct {
	db       *sql.DB
	runner   Runner
	oracle   Oracle
	interval time.Duration
	wake     chan struct{}

	// busyRetry is how soon a requested run is retried after finding the
	// worker busy with another run.
	busyRetry time.Duration
}

// New creates a scheduler.
func New(db *sql.DB, runner Runner, oracle Oracle, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		db:       db,
		runner:   runner,
		oracle:   oracle,
		interval: interval,
		wake:     make(chan struct{}, 1),

		busyRetry: 2 * time.Second,
	}
}

// Register records that reconciliation should run and wakes the loop.
func (s *Scheduler) Register(ctx context.Context) error {
	err := store.RequestSync(ctx, s.db, time.Now())
	if err != nil {
		slog.Warn("registering background sync", "error", err)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return err
}

// Run drives reconciliation until ctx is cancelled. Run failures are logged
// and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	states, unsubscribe := s.oracle.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var retry <-chan time.Time
	requested := func() {
		if s.runIfRequested(ctx) {
			retry = time.After(s.busyRetry)
		}
	}

	requested()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st.IsOnline {
				s.run(ctx, "online")
			}
		case <-s.wake:
			requested()
		case <-retry:
			retry = nil
			requested()
		case <-ticker.C:
			s.run(ctx, "interval")
		}
	}
}

// runIfRequested consumes the sync hint and runs, but only while online so
// the hint survives until a run can do work. When another run holds the
// worker the hint is put back and runIfRequested reports true.
func (s *Scheduler) runIfRequested(ctx context.Context) bool {
	if !s.oracle.IsOnline() {
		return false
	}
	requested, err := store.TakeSyncRequest(ctx, s.db)
	if err != nil {
		slog.Warn("reading sync request", "error", err)
		return false
	}
	if !requested || s.run(ctx, "requested") {
		return false
	}
	if err := store.RequestSync(ctx, s.db, time.Now()); err != nil {
		slog.Warn("restoring sync request", "error", err)
		return false
	}
	return true
}

// run starts one reconciliation pass. It reports false only when another run
// was already in progress.
func (s *Scheduler) run(ctx context.Context, reason string) bool {
	res, err := s.runner.Run(ctx, reconcile.Options{RetryFailed: true})
	switch {
	case errors.Is(err, reconcile.ErrAlreadyRunning):
		slog.Debug("reconciliation already running", "reason", reason)
		return false
	case err != nil:
		slog.Error("reconciliation run failed", "reason", reason, "error", err)
	case res.Synced > 0 || res.Failed > 0:
		slog.Info("reconciliation run", "reason", reason, "synced", res.Synced, "failed", res.Failed)
	}
	return true
}
