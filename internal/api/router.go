// Package api serves the local HTTP and WebSocket API used by the till UI.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/erazemk/blagajna/internal/connectivity"
	"github.com/erazemk/blagajna/internal/model"
	"github.com/erazemk/blagajna/internal/offline"
	"github.com/erazemk/blagajna/internal/session"
)

// Till is the offline-aware service behind the till endpoints.
type Till interface {
	GetCatalogue(ctx context.Context) (*offline.Catalogue, error)
	ValidateBadge(ctx context.Context, code string) model.BadgeValidation
	SubmitTransaction(ctx context.Context, req model.TransactionRequest) (model.Submission, error)
	SyncPendingTransactions(ctx context.Context, retryFailed bool) (*model.SyncResult, error)
	GetOfflineStats(ctx context.Context) (*model.OfflineStats, error)
	ListQueue(ctx context.Context, status model.SyncStatus) ([]model.OfflineTransaction, error)
	Requeue(ctx context.Context, tempID string) error
	PruneSynced(ctx context.Context, age time.Duration) (int, error)
	Thumbnail(ctx context.Context, itemID int64) (*model.Thumbnail, error)
}

// Oracle exposes the connectivity belief.
type Oracle interface {
	State() connectivity.State
	Check(ctx context.Context) connectivity.State
	Subscribe() (<-chan connectivity.State, func())
}

// Credentials accepts a server credential pushed by the till session.
type Credentials interface {
	Set(token string) error
	Expiry() (time.Time, bool)
}

// Deps are the collaborators of the router.
type Deps struct {
	DB            *sql.DB
	Till          Till
	Oracle        Oracle
	Bridge        *session.Bridge
	Credentials   Credentials
	AllowedOrigin string
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware(d.AllowedOrigin))

	till := &TillHandler{Till: d.Till}
	sess := &SessionHandler{Oracle: d.Oracle, Credentials: d.Credentials}
	events := &EventsHandler{Bridge: d.Bridge, Oracle: d.Oracle, AllowedOrigin: d.AllowedOrigin}

	// Public: liveness of the agent itself.
	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(d.DB))

		r.Get("/api/catalogue", till.Catalogue)
		r.Get("/api/catalogue/{id}/image", till.Image)
		r.Get("/api/badges/{code}", till.Badge)

		r.Post("/api/transactions", till.Submit)
		r.Get("/api/transactions", till.Queue)
		r.Post("/api/transactions/{tempID}/requeue", till.Requeue)
		r.Delete("/api/transactions/synced", till.Prune)

		r.Post("/api/sync", till.Sync)
		r.Get("/api/stats", till.Stats)

		r.Get("/api/connectivity", sess.Connectivity)
		r.Post("/api/connectivity/check", sess.Check)
		r.Put("/api/session/credential", sess.SetCredential)

		r.Get("/api/events", events.Serve)
	})

	return r
}
