package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/erazemk/blagajna/internal/api"
	"github.com/erazemk/blagajna/internal/config"
	"github.com/erazemk/blagajna/internal/connectivity"
	"github.com/erazemk/blagajna/internal/db"
	"github.com/erazemk/blagajna/internal/offline"
	"github.com/erazemk/blagajna/internal/reconcile"
	"github.com/erazemk/blagajna/internal/remote"
	"github.com/erazemk/blagajna/internal/session"
	"github.com/erazemk/blagajna/internal/store"
	"github.com/erazemk/blagajna/internal/trigger"
)

// agent holds the wired components shared by every command.
type agent struct {
	cfg       *config.Config
	db        *sql.DB
	bridge    *session.Bridge
	creds     *session.CredentialCache
	oracle    *connectivity.Oracle
	worker    *reconcile.Worker
	scheduler *trigger.Scheduler
	service   *offline.Service
}

// newAgent opens the store and wires the components. Only interactive agents
// get a session bridge; headless runs rely on the static token alone.
func newAgent(cfg *config.Config, interactive bool) (*agent, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	slog.Info("database ready", "path", cfg.DBPath)

	var bridge *session.Bridge
	if interactive {
		bridge = session.NewBridge()
	}
	creds := session.NewCredentialCache(bridge, cfg.CredentialTimeout)
	if cfg.APIToken != "" {
		if err := creds.Set(cfg.APIToken); err != nil {
			database.Close()
			return nil, fmt.Errorf("static token: %w", err)
		}
	}

	client := remote.New(remote.Config{
		BaseURL:    cfg.ServerURL,
		HealthPath: cfg.HealthPath,
		Timeout:    cfg.RequestTimeout,
	}, creds)

	oracle := connectivity.New(client, connectivity.Options{
		Interval:      cfg.ProbeInterval,
		Timeout:       cfg.ProbeTimeout,
		SlowThreshold: cfg.SlowThreshold,
	})

	var events reconcile.Publisher
	if bridge != nil {
		events = bridge
	}
	worker := reconcile.NewWorker(database, client, oracle, events, reconcile.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		StaleAfter:  cfg.StaleAfter,
	})
	scheduler := trigger.New(database, worker, oracle, cfg.SyncInterval)

	service := offline.NewService(offline.Deps{
		DB:        database,
		Remote:    client,
		Oracle:    oracle,
		Worker:    worker,
		Scheduler: scheduler,
	})

	return &agent{
		cfg:       cfg,
		db:        database,
		bridge:    bridge,
		creds:     creds,
		oracle:    oracle,
		worker:    worker,
		scheduler: scheduler,
		service:   service,
	}, nil
}

func (a *agent) close() {
	if err := a.db.Close(); err != nil {
		slog.Error("closing database", "error", err)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-quit:
			slog.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(quit)
		cancel()
	}
}

// serve runs the connectivity oracle, the reconciliation scheduler and the
// local API until ctx is cancelled.
func serve(ctx context.Context, a *agent) error {
	if err := ensureAPIKey(ctx, a.db); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr: a.cfg.Addr,
		Handler: api.NewRouter(api.Deps{
			DB:            a.db,
			Till:          a.service,
			Oracle:        a.oracle,
			Bridge:        a.bridge,
			Credentials:   a.creds,
			AllowedOrigin: a.cfg.AllowedOrigin,
		}),
		BaseContext:       func(net.Listener) context.Context { return gctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error { return a.oracle.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error {
		slog.Info("server started", "addr", a.cfg.Addr, "upstream", a.cfg.ServerURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listening: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	slog.Info("server stopped, closing database")
	return err
}

// syncOnce runs a single reconciliation pass for hosts that schedule the
// agent externally. Records that fail stay queued; the exit status only
// reflects whether the store could be used.
func syncOnce(ctx context.Context, a *agent) error {
	st := a.oracle.Check(ctx)
	if !st.IsOnline {
		slog.Info("server unreachable, leaving queue for later", "error", st.LastError)
		return nil
	}

	requested, err := store.TakeSyncRequest(ctx, a.db)
	if err != nil {
		return err
	}

	res, err := a.worker.Run(ctx, reconcile.Options{RetryFailed: true})
	if err != nil {
		return err
	}
	slog.Info("sync finished", "requested", requested, "synced", res.Synced, "failed", res.Failed)
	for _, e := range res.Errors {
		slog.Warn("transaction not synced", "temp_id", e.TempID, "error", e.Message)
	}
	return nil
}

// rotateKey replaces the local API key and prints the new one.
func rotateKey(ctx context.Context, a *agent) error {
	key, hash, err := newAPIKey()
	if err != nil {
		return err
	}
	if err := store.SetAPIKeyHash(ctx, a.db, hash); err != nil {
		return err
	}
	slog.Info("local api key rotated")
	printAPIKey(key)
	return nil
}

// ensureAPIKey creates the local API key on first run.
func ensureAPIKey(ctx context.Context, database *sql.DB) error {
	existing, err := store.APIKeyHash(ctx, database)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}

	key, hash, err := newAPIKey()
	if err != nil {
		return err
	}
	created, err := store.InitAPIKeyHash(ctx, database, hash)
	if err != nil {
		return fmt.Errorf("storing api key: %w", err)
	}
	if created {
		printAPIKey(key)
		fmt.Println()
	}
	return nil
}

func newAPIKey() (key, hash string, err error) {
	key, err = generateKey(32)
	if err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing api key: %w", err)
	}
	return key, string(h), nil
}

// printAPIKey prints a newly created API key to stdout.
func printAPIKey(key string) {
	fmt.Println("Local API key created:")
	fmt.Printf("  %s\n", key)
	fmt.Println()
	fmt.Println("Save this key, it cannot be recovered.")
	fmt.Println("Run 'blagajna rotate-key' to replace it.")
}

// generateKey creates a random alphanumeric key of the given length.
func generateKey(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
