// Package offline routes the till's operations to the server when it is
// reachable and to the local store when it is not.
package offline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/erazemk/blagajna/internal/imaging"
	"github.com/erazemk/blagajna/internal/model"
	"github.com/erazemk/blagajna/internal/reconcile"
	"github.com/erazemk/blagajna/internal/remote"
	"github.com/erazemk/blagajna/internal/store"
)

// ErrLocalDurability is returned when a sale could not be sent and could not
// be recorded locally either.
var ErrLocalDurability = errors.New("local store unavailable")

// ErrNoImage is returned when no thumbnail exists and none can be fetched.
var ErrNoImage = errors.New("no image available")

// Remote is the server API used by the service.
type Remote interface {
	Catalogue(ctx context.Context) ([]model.CatalogueItem, error)
	ValidateBadge(ctx context.Context, code string) (*model.BadgeProfile, error)
	SubmitTransaction(ctx context.Context, req model.TransactionRequest) (*model.TransactionResult, error)
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// Connectivity is the reachability belief.
type Connectivity interface {
	IsOnline() bool
	Nudge()
}

// Reconciler runs reconciliation passes.
type Reconciler interface {
	Run(ctx context.Context, opts reconcile.Options) (*model.SyncResult, error)
}

// Scheduler records that reconciliation should happen soon.
type Scheduler interface {
	Register(ctx context.Context) error
}

// Deps are the collaborators of a Service. Scheduler may be nil.
type Deps struct {
	DB        *sql.DB
	Remote    Remote
	Oracle    Connectivity
	Worker    Reconciler
	Scheduler Scheduler
}

// Service is the offline-aware facade used by the local API.
type Service struct {
	db        *sql.DB
	remote    Remote
	oracle    Connectivity
	worker    Reconciler
	scheduler Scheduler
	now       func() time.Time
}

// NewService creates a service.
func NewService(d Deps) *Service {
	return &Service{
		db:        d.DB,
		remote:    d.Remote,
		oracle:    d.Oracle,
		worker:    d.Worker,
		scheduler: d.Scheduler,
		now:       time.Now,
	}
}

// Catalogue is the article list returned to the till.
type Catalogue struct {
	Items     []model.CatalogueItem `json:"items"`
	FromCache bool                  `json:"from_cache"`
	SyncedAt  *time.Time            `json:"synced_at,omitempty"`
}

// GetCatalogue returns the live catalogue and caches it, or the cached one
// when the server is unreachable. It only fails if the cache cannot be read.
func (s *Service) GetCatalogue(ctx context.Context) (*Catalogue, error) {
	if s.oracle.IsOnline() {
		items, err := s.remote.Catalogue(ctx)
		if err == nil {
			now := s.now()
			if err := store.ReplaceCatalogue(ctx, s.db, items); err != nil {
				slog.Error("caching catalogue", "error", err)
			} else if err := store.SetCatalogueSyncedAt(ctx, s.db, now); err != nil {
				slog.Error("recording catalogue sync time", "error", err)
			} else {
				slog.Debug("catalogue cached", "items", len(items))
			}
			if items == nil {
				items = []model.CatalogueItem{}
			}
			at := now.UTC()
			return &Catalogue{Items: items, SyncedAt: &at}, nil
		}
		slog.Warn("catalogue fetch failed, serving cache", "error", err)
		s.connectivityFailed(err)
	}

	items, err := store.ListCatalogue(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("reading cached catalogue: %w", err)
	}
	syncedAt, err := store.CatalogueSyncedAt(ctx, s.db)
	if err != nil {
		slog.Warn("reading catalogue sync time", "error", err)
	}
	return &Catalogue{Items: items, FromCache: true, SyncedAt: syncedAt}, nil
}

// ValidateBadge checks a badge code against the server, caching the holder on
// success. A server-confirmed miss is final; any other failure falls back to
// the cached profile.
func (s *Service) ValidateBadge(ctx context.Context, code string) model.BadgeValidation {
	if code == "" {
		return model.BadgeValidation{Error: "badge code is required"}
	}

	if s.oracle.IsOnline() {
		profile, err := s.remote.ValidateBadge(ctx, code)
		switch {
		case err == nil:
			profile.CachedAt = s.now().UTC()
			if err := store.UpsertBadgeProfile(ctx, s.db, *profile); err != nil {
				slog.Error("caching badge profile", "badge", code, "error", err)
			}
			return model.BadgeValidation{Success: true, Profile: profile}
		case remote.IsAuthoritative(err):
			return model.BadgeValidation{Error: "badge not found"}
		}
		slog.Warn("badge validation failed, trying cache", "badge", code, "error", err)
		s.connectivityFailed(err)
	}

	profile, err := store.LookupBadgeProfile(ctx, s.db, code)
	if err != nil {
		slog.Error("reading cached badge profile", "badge", code, "error", err)
		return model.BadgeValidation{Error: "badge cache unavailable", PossiblyOffline: true}
	}
	if profile == nil {
		return model.BadgeValidation{Error: "badge not found, server unreachable", PossiblyOffline: true}
	}
	return model.BadgeValidation{Success: true, Profile: profile, FromCache: true}
}

// SubmitTransaction sends a sale to the server. When that is not possible
// the sale is priced from the cached catalogue, queued for reconciliation and
// confirmed with an offline ticket. The returned error is only set when the
// sale could not be recorded anywhere.
func (s *Service) SubmitTransaction(ctx context.Context, req model.TransactionRequest) (model.Submission, error) {
	if err := req.Validate(); err != nil {
		return model.Submission{Error: err.Error()}, nil
	}

	if s.oracle.IsOnline() {
		res, err := s.remote.SubmitTransaction(ctx, req)
		if err == nil {
			return model.Submission{Success: true, Result: res}, nil
		}
		if remote.IsAuthoritative(err) {
			return model.Submission{Error: err.Error()}, nil
		}
		slog.Warn("transaction submit failed, queueing offline", "customer", req.Customer.Email, "error", err)
		s.connectivityFailed(err)
	}

	return s.queueOffline(ctx, req)
}

func (s *Service) queueOffline(ctx context.Context, req model.TransactionRequest) (model.Submission, error) {
	req.Customer = s.enrichCustomer(ctx, req.Customer)

	var lookupErr error
	lookup := func(id int64) (*model.CatalogueItem, error) {
		item, err := store.GetCatalogueItem(ctx, s.db, id)
		switch {
		case err != nil:
			lookupErr = err
		case item == nil:
			slog.Warn("article not in catalogue cache, queueing unpriced", "article", id)
		case !item.Sellable():
			slog.Warn("article cached as not sellable, queueing for the server to decide", "article", id)
		}
		return item, err
	}

	tx, err := model.BuildOfflineTransaction(req, lookup, s.now())
	if lookupErr != nil {
		return model.Submission{}, fmt.Errorf("%w: %w", ErrLocalDurability, lookupErr)
	}
	if err != nil {
		return model.Submission{Error: err.Error()}, nil
	}

	if err := store.EnqueueOfflineTransaction(ctx, s.db, tx); err != nil {
		slog.Error("recording offline transaction", "temp_id", tx.TempID, "error", err)
		return model.Submission{}, fmt.Errorf("%w: %w", ErrLocalDurability, err)
	}
	slog.Info("transaction queued offline", "temp_id", tx.TempID, "ticket", tx.TicketNumber,
		"total", tx.TotalAmount, "unpriced", tx.Unpriced())

	if s.scheduler != nil {
		if err := s.scheduler.Register(ctx); err != nil {
			slog.Warn("registering background sync", "error", err)
		}
	}

	return model.Submission{Success: true, Result: tx.Result(), IsOffline: true}, nil
}

// enrichCustomer fills in the holder's name and id from the badge cache when
// the till only sent the email and badge code.
func (s *Service) enrichCustomer(ctx context.Context, c model.Customer) model.Customer {
	if c.BadgeCode == "" || (c.FirstName != "" && c.ID != 0) {
		return c
	}
	p, err := store.LookupBadgeProfile(ctx, s.db, c.BadgeCode)
	if err != nil || p == nil || p.Email != c.Email {
		return c
	}
	return p.Customer()
}

// SyncPendingTransactions runs one reconciliation pass now.
func (s *Service) SyncPendingTransactions(ctx context.Context, retryFailed bool) (*model.SyncResult, error) {
	return s.worker.Run(ctx, reconcile.Options{RetryFailed: retryFailed})
}

// GetOfflineStats returns the offline indicator figures.
func (s *Service) GetOfflineStats(ctx context.Context) (*model.OfflineStats, error) {
	return store.OfflineStats(ctx, s.db)
}

// ListQueue returns offline transactions, optionally filtered by status.
func (s *Service) ListQueue(ctx context.Context, status model.SyncStatus) ([]model.OfflineTransaction, error) {
	if status == "" {
		return store.ListTransactions(ctx, s.db)
	}
	return store.ListTransactionsByStatus(ctx, s.db, status)
}

// Requeue puts a FAILED transaction back in the queue and asks for a sync.
func (s *Service) Requeue(ctx context.Context, tempID string) error {
	if err := store.RequeueTransaction(ctx, s.db, tempID); err != nil {
		return err
	}
	slog.Info("offline transaction requeued", "temp_id", tempID)
	if s.scheduler != nil {
		if err := s.scheduler.Register(ctx); err != nil {
			slog.Warn("registering background sync", "error", err)
		}
	}
	return nil
}

// PruneSynced deletes SYNCED transactions older than age.
func (s *Service) PruneSynced(ctx context.Context, age time.Duration) (int, error) {
	n, err := store.PruneSynced(ctx, s.db, s.now().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("pruned synced transactions", "count", n)
	}
	return n, nil
}

// Thumbnail returns the cached thumbnail of a catalogue item, fetching and
// caching it first when the server is reachable.
func (s *Service) Thumbnail(ctx context.Context, itemID int64) (*model.Thumbnail, error) {
	item, err := store.GetCatalogueItem(ctx, s.db, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("catalogue item %d: %w", itemID, store.ErrNotFound)
	}

	th, err := store.GetThumbnail(ctx, s.db, itemID)
	if err != nil {
		return nil, err
	}
	if th != nil && th.SourceURL == item.ImageURL {
		return th, nil
	}
	if item.ImageURL == "" || !s.oracle.IsOnline() {
		if th != nil {
			return th, nil
		}
		return nil, ErrNoImage
	}

	raw, err := s.remote.FetchImage(ctx, item.ImageURL)
	if err != nil {
		slog.Warn("fetching catalogue image", "item", itemID, "error", err)
		if th != nil {
			return th, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrNoImage, err)
	}
	data, mime, err := imaging.Thumbnail(bytes.NewReader(raw))
	if err != nil {
		slog.Warn("processing catalogue image", "item", itemID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNoImage, err)
	}

	fresh := model.Thumbnail{ItemID: itemID, SourceURL: item.ImageURL, Data: data, MIME: mime, FetchedAt: s.now().UTC()}
	if err := store.PutThumbnail(ctx, s.db, fresh); err != nil {
		slog.Warn("caching thumbnail", "item", itemID, "error", err)
	}
	return &fresh, nil
}

// connectivityFailed asks the oracle to re-probe after a live call failed
// for non-authoritative reasons.
func (s *Service) connectivityFailed(err error) {
	if !remote.IsAuthoritative(err) {
		s.oracle.Nudge()
	}
}
