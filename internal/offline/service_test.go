package offline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/blagajna/internal/db"
	"github.com/erazemk/blagajna/internal/model"
	"github.com/erazemk/blagajna/internal/reconcile"
	"github.com/erazemk/blagajna/internal/remote"
	"github.com/erazemk/blagajna/internal/store"
)

type fakeOracle struct {
	online bool
	nudges int
}

func (o *fakeOracle) IsOnline() bool { return o.online }
func (o *fakeOracle) Nudge()         { o.nudges++ }

type fakeRemote struct {
	items      []model.CatalogueItem
	catalogErr error
	profile    *model.BadgeProfile
	badgeErr   error
	submitErr  error
	image      []byte
	submits    int
	calls      int
}

func (f *fakeRemote) Catalogue(context.Context) ([]model.CatalogueItem, error) {
	f.calls++
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return f.items, nil
}

func (f *fakeRemote) ValidateBadge(_ context.Context, code string) (*model.BadgeProfile, error) {
	f.calls++
	if f.badgeErr != nil {
		return nil, f.badgeErr
	}
	p := *f.profile
	return &p, nil
}

func (f *fakeRemote) SubmitTransaction(context.Context, model.TransactionRequest) (*model.TransactionResult, error) {
	f.calls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits++
	return &model.TransactionResult{TransactionID: 77, TicketNumber: "T-000077"}, nil
}

func (f *fakeRemote) FetchImage(context.Context, string) ([]byte, error) {
	f.calls++
	if f.image == nil {
		return nil, errors.New("no image")
	}
	return f.image, nil
}

type countingScheduler struct{ n atomic.Int32 }

func (c *countingScheduler) Register(context.Context) error {
	c.n.Add(1)
	return errors.New("host scheduler unavailable")
}

type stubWorker struct{ opts reconcile.Options }

func (w *stubWorker) Run(_ context.Context, opts reconcile.Options) (*model.SyncResult, error) {
	w.opts = opts
	return &model.SyncResult{Synced: 1, Errors: []model.SyncError{}}, nil
}

var threeItems = []model.CatalogueItem{
	{ID: 1, Name: "Coffee", Price: decimal.RequireFromString("1.20"), Quantity: 50, Available: true, Active: true},
	{ID: 2, Name: "Sandwich", Price: decimal.RequireFromString("3.45"), Quantity: 10, Available: true, Active: true},
	{ID: 3, Name: "Apple", Price: decimal.RequireFromString("0.60"), Quantity: 30, Available: true, Active: true},
}

func newService(t *testing.T, rem *fakeRemote, oracle *fakeOracle) (*Service, *countingScheduler) {
	t.Helper()
	sched := &countingScheduler{}
	svc := NewService(Deps{
		DB:        db.NewTestDB(t),
		Remote:    rem,
		Oracle:    oracle,
		Worker:    &stubWorker{},
		Scheduler: sched,
	})
	return svc, sched
}

func sale() model.TransactionRequest {
	return model.TransactionRequest{
		Customer: model.Customer{Email: "ana@example.com", BadgeCode: "B-1"},
		Lines:    []model.RequestLine{{ArticleID: 1, Quantity: 2}, {ArticleID: 2, Quantity: 1}},
	}
}

func TestGetCatalogueCachesAndServesOffline(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{online: true}
	rem := &fakeRemote{items: threeItems}
	svc, _ := newService(t, rem, oracle)

	live, err := svc.GetCatalogue(ctx)
	if err != nil {
		t.Fatalf("GetCatalogue: %v", err)
	}
	if live.FromCache || len(live.Items) != 3 {
		t.Fatalf("expected 3 live items, got %+v", live)
	}

	oracle.online = false
	cached, err := svc.GetCatalogue(ctx)
	if err != nil {
		t.Fatalf("GetCatalogue offline: %v", err)
	}
	if !cached.FromCache {
		t.Error("expected cached catalogue")
	}
	if !reflect.DeepEqual(ids(cached.Items), []int64{1, 2, 3}) {
		t.Errorf("expected the same 3 items, got %v", ids(cached.Items))
	}
	if cached.SyncedAt == nil {
		t.Error("expected catalogue sync time")
	}
	if rem.calls != 1 {
		t.Errorf("expected no network call while offline, got %d calls", rem.calls)
	}
}

func TestGetCatalogueRepeatedFetchIsStable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeRemote{items: threeItems}, &fakeOracle{online: true})

	svc.GetCatalogue(ctx)
	first, _ := store.ListCatalogue(ctx, svc.db)
	svc.GetCatalogue(ctx)
	second, _ := store.ListCatalogue(ctx, svc.db)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("cache drifted between fetches:\n%+v\n%+v", first, second)
	}
	if len(second) != 3 {
		t.Errorf("expected 3 cached items, got %d", len(second))
	}
}

func TestGetCatalogueFallsBackWhenLiveCallFails(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{online: true}
	rem := &fakeRemote{items: threeItems}
	svc, _ := newService(t, rem, oracle)
	svc.GetCatalogue(ctx)

	rem.catalogErr = &remote.APIError{Status: 503}
	got, err := svc.GetCatalogue(ctx)
	if err != nil {
		t.Fatalf("GetCatalogue: %v", err)
	}
	if !got.FromCache || len(got.Items) != 3 {
		t.Errorf("expected cached fallback, got %+v", got)
	}
	if oracle.nudges != 1 {
		t.Errorf("expected oracle to be nudged, got %d", oracle.nudges)
	}
}

func TestGetCatalogueEmptyCache(t *testing.T) {
	svc, _ := newService(t, &fakeRemote{}, &fakeOracle{})

	got, err := svc.GetCatalogue(context.Background())
	if err != nil {
		t.Fatalf("GetCatalogue: %v", err)
	}
	if got.Items == nil || len(got.Items) != 0 {
		t.Errorf("expected empty non-nil list, got %v", got.Items)
	}
}

func TestValidateBadgeWritesThrough(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{online: true}
	profile := &model.BadgeProfile{ID: 5, FirstName: "Ana", Email: "ana@example.com", BadgeCode: "B-1", Balance: decimal.NewFromInt(20)}
	rem := &fakeRemote{profile: profile}
	svc, _ := newService(t, rem, oracle)

	v := svc.ValidateBadge(ctx, "B-1")
	if !v.Success || v.FromCache || v.Profile.ID != 5 {
		t.Fatalf("unexpected live validation %+v", v)
	}

	rem.badgeErr = errors.New("dial tcp: i/o timeout")
	v = svc.ValidateBadge(ctx, "B-1")
	if !v.Success || !v.FromCache || v.Profile.FirstName != "Ana" {
		t.Errorf("expected cached profile, got %+v", v)
	}

	v = svc.ValidateBadge(ctx, "B-unknown")
	if v.Success || !v.PossiblyOffline {
		t.Errorf("expected possibly-offline miss, got %+v", v)
	}
}

func TestValidateBadgeServerNotFoundWinsOverCache(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeRemote{badgeErr: &remote.APIError{Status: 404}}, &fakeOracle{online: true})
	store.UpsertBadgeProfile(ctx, svc.db, model.BadgeProfile{ID: 5, Email: "ana@example.com", BadgeCode: "B-1"})

	v := svc.ValidateBadge(ctx, "B-1")
	if v.Success {
		t.Fatal("expected server not-found to win over the stale cache")
	}
	if v.FromCache || v.PossiblyOffline {
		t.Errorf("expected a confirmed miss, got %+v", v)
	}
}

func TestSubmitTransactionOnline(t *testing.T) {
	ctx := context.Background()
	svc, sched := newService(t, &fakeRemote{}, &fakeOracle{online: true})

	sub, err := svc.SubmitTransaction(ctx, sale())
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if !sub.Success || sub.IsOffline || sub.Result.TicketNumber != "T-000077" {
		t.Errorf("unexpected submission %+v", sub)
	}
	stats, _ := svc.GetOfflineStats(ctx)
	if stats.PendingCount != 0 {
		t.Errorf("expected nothing queued, got %d", stats.PendingCount)
	}
	if sched.n.Load() != 0 {
		t.Error("expected no background registration")
	}
}

func TestSubmitTransactionOffline(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{online: true}
	rem := &fakeRemote{items: threeItems}
	svc, sched := newService(t, rem, oracle)
	svc.GetCatalogue(ctx)
	oracle.online = false

	sub, err := svc.SubmitTransaction(ctx, sale())
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if !sub.Success || !sub.IsOffline {
		t.Fatalf("expected offline success, got %+v", sub)
	}
	if !model.IsOfflineTicket(sub.Result.TicketNumber) {
		t.Errorf("expected offline ticket, got %q", sub.Result.TicketNumber)
	}
	if !sub.Result.TotalAmount.Equal(decimal.RequireFromString("5.85")) {
		t.Errorf("expected total 5.85, got %s", sub.Result.TotalAmount)
	}

	stats, _ := svc.GetOfflineStats(ctx)
	if stats.PendingCount != 1 {
		t.Errorf("expected pendingCount 1, got %d", stats.PendingCount)
	}
	pending, _ := store.ListTransactionsByStatus(ctx, svc.db, model.SyncPending)
	if len(pending) != 1 || len(pending[0].Lines) != 2 {
		t.Fatalf("expected 1 pending record with 2 lines, got %+v", pending)
	}
	if sched.n.Load() != 1 {
		t.Errorf("expected one background registration, got %d", sched.n.Load())
	}
}

func TestSubmitTransactionFailuresAreNeverLost(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{online: true}
	rem := &fakeRemote{items: threeItems}
	svc, _ := newService(t, rem, oracle)
	svc.GetCatalogue(ctx)

	failures := []error{
		errors.New("connection refused"),
		&remote.APIError{Status: 502},
		&remote.APIError{Status: 401},
		context.DeadlineExceeded,
	}
	for _, f := range failures {
		rem.submitErr = f
		sub, err := svc.SubmitTransaction(ctx, sale())
		if err != nil || !sub.IsOffline {
			t.Fatalf("%v: expected offline queueing, got %+v %v", f, sub, err)
		}
	}

	counts, _ := store.CountByStatus(ctx, svc.db)
	total := 0
	for _, n := range counts {
		total += n
	}
	if counts[model.SyncPending] != len(failures) || total != len(failures) {
		t.Errorf("expected %d PENDING records, got %v", len(failures), counts)
	}
	if oracle.nudges != len(failures) {
		t.Errorf("expected a nudge per failure, got %d", oracle.nudges)
	}
}

func TestSubmitTransactionAuthoritativeRejection(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeRemote{submitErr: &remote.APIError{Status: 422, Message: "insufficient balance"}}, &fakeOracle{online: true})

	sub, err := svc.SubmitTransaction(ctx, sale())
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if sub.Success || sub.IsOffline || sub.Error == "" {
		t.Errorf("expected rejection, got %+v", sub)
	}
	counts, _ := store.CountByFamily(ctx, svc.db)
	if counts.OfflineTransactions != 0 {
		t.Error("rejected sale must not be queued")
	}
}

func TestSubmitTransactionQueuesUncachedArticles(t *testing.T) {
	unsellable := threeItems[1]
	unsellable.Available = false

	tests := []struct {
		name      string
		cache     []model.CatalogueItem
		req       model.TransactionRequest
		unpriced  int
		wantTotal string
	}{
		{"empty cache", nil, sale(), 2, "0"},
		{"unsellable in cache", []model.CatalogueItem{threeItems[0], unsellable}, sale(), 0, "5.85"},
		{"one article missing", threeItems, model.TransactionRequest{
			Customer: model.Customer{Email: "ana@example.com"},
			Lines:    []model.RequestLine{{ArticleID: 1, Quantity: 1}, {ArticleID: 99, Quantity: 2}},
		}, 1, "1.20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rem := &fakeRemote{submitErr: errors.New("dial tcp: connection refused")}
			svc, _ := newService(t, rem, &fakeOracle{online: true})
			if tt.cache != nil {
				store.ReplaceCatalogue(ctx, svc.db, tt.cache)
			}

			sub, err := svc.SubmitTransaction(ctx, tt.req)
			if err != nil {
				t.Fatalf("SubmitTransaction: %v", err)
			}
			if !sub.Success || !sub.IsOffline {
				t.Fatalf("expected offline success, got %+v", sub)
			}

			pending, _ := store.ListTransactionsByStatus(ctx, svc.db, model.SyncPending)
			if len(pending) != 1 {
				t.Fatalf("expected exactly 1 queued transaction, got %d", len(pending))
			}
			got := pending[0]
			unpriced := 0
			for _, l := range got.Lines {
				if l.Unpriced {
					unpriced++
				}
			}
			if unpriced != tt.unpriced {
				t.Errorf("expected %d unpriced lines, got %d", tt.unpriced, unpriced)
			}
			if !got.TotalAmount.Equal(decimal.RequireFromString(tt.wantTotal)) {
				t.Errorf("expected total %s, got %s", tt.wantTotal, got.TotalAmount)
			}
			if len(got.Request().Lines) != len(tt.req.Lines) {
				t.Errorf("replay lost lines: %+v", got.Request().Lines)
			}
		})
	}
}

func TestSubmitTransactionLocalDurabilityFailure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeRemote{}, &fakeOracle{})
	store.ReplaceCatalogue(ctx, svc.db, threeItems)
	svc.db.Close()

	_, err := svc.SubmitTransaction(ctx, sale())
	if !errors.Is(err, ErrLocalDurability) {
		t.Fatalf("expected ErrLocalDurability, got %v", err)
	}
}

func TestSubmitTransactionUsesCachedHolder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeRemote{}, &fakeOracle{})
	store.ReplaceCatalogue(ctx, svc.db, threeItems)
	store.UpsertBadgeProfile(ctx, svc.db, model.BadgeProfile{ID: 5, FirstName: "Ana", LastName: "Novak", Email: "ana@example.com", BadgeCode: "B-1"})

	svc.SubmitTransaction(ctx, sale())

	pending, _ := store.ListTransactionsByStatus(ctx, svc.db, model.SyncPending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}
	if c := pending[0].Customer; c.ID != 5 || c.LastName != "Novak" {
		t.Errorf("expected customer snapshot from badge cache, got %+v", c)
	}
}

func TestRequeueAndSync(t *testing.T) {
	ctx := context.Background()
	svc, sched := newService(t, &fakeRemote{}, &fakeOracle{})
	store.ReplaceCatalogue(ctx, svc.db, threeItems)
	sub, _ := svc.SubmitTransaction(ctx, sale())

	pending, _ := svc.ListQueue(ctx, model.SyncPending)
	id := pending[0].TempID
	if pending[0].TicketNumber != sub.Result.TicketNumber {
		t.Errorf("queued ticket %q differs from returned %q", pending[0].TicketNumber, sub.Result.TicketNumber)
	}

	if err := svc.Requeue(ctx, id); !errors.Is(err, store.ErrNotRequeueable) {
		t.Errorf("expected ErrNotRequeueable, got %v", err)
	}
	store.UpdateTransactionStatus(ctx, svc.db, id, store.StatusUpdate{Status: model.SyncFailed, Error: "x"})
	if err := svc.Requeue(ctx, id); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if sched.n.Load() != 2 {
		t.Errorf("expected registrations for submit and requeue, got %d", sched.n.Load())
	}

	res, err := svc.SyncPendingTransactions(ctx, true)
	if err != nil || res.Synced != 1 {
		t.Errorf("unexpected sync result %+v %v", res, err)
	}
	if !svc.worker.(*stubWorker).opts.RetryFailed {
		t.Error("expected retry-failed to be passed through")
	}
}

func TestThumbnailFetchedOnceThenServedOffline(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 600, 300)))

	oracle := &fakeOracle{online: true}
	rem := &fakeRemote{image: buf.Bytes()}
	svc, _ := newService(t, rem, oracle)
	store.ReplaceCatalogue(ctx, svc.db, []model.CatalogueItem{
		{ID: 1, Name: "Coffee", Price: decimal.NewFromInt(1), Active: true, Available: true, ImageURL: "/img/coffee.png"},
		{ID: 2, Name: "Tea", Price: decimal.NewFromInt(1), Active: true, Available: true},
	})

	th, err := svc.Thumbnail(ctx, 1)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if th.MIME != "image/jpeg" || len(th.Data) == 0 {
		t.Errorf("unexpected thumbnail %+v", th)
	}

	oracle.online = false
	rem.calls = 0
	if _, err := svc.Thumbnail(ctx, 1); err != nil {
		t.Fatalf("Thumbnail offline: %v", err)
	}
	if rem.calls != 0 {
		t.Error("expected cached thumbnail without network")
	}

	if _, err := svc.Thumbnail(ctx, 2); !errors.Is(err, ErrNoImage) {
		t.Errorf("expected ErrNoImage, got %v", err)
	}
	if _, err := svc.Thumbnail(ctx, 9); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneSynced(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeRemote{}, &fakeOracle{})
	store.ReplaceCatalogue(ctx, svc.db, threeItems)
	svc.SubmitTransaction(ctx, sale())
	svc.SubmitTransaction(ctx, sale())

	all, _ := svc.ListQueue(ctx, "")
	store.UpdateTransactionStatus(ctx, svc.db, all[0].TempID, store.StatusUpdate{Status: model.SyncSynced, At: time.Now().Add(-48 * time.Hour)})

	n, err := svc.PruneSynced(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got %d %v", n, err)
	}
	left, _ := svc.ListQueue(ctx, "")
	if len(left) != 1 || left[0].TempID != all[1].TempID {
		t.Errorf("expected only the unsynced record to remain, got %+v", left)
	}
}

func ids(items []model.CatalogueItem) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
