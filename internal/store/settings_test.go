package store

import (
	"context"
	"testing"

	"github.com/erazemk/blagajna/internal/db"
)

func TestInitAPIKeyHashOnlyOnce(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	created, err := InitAPIKeyHash(ctx, database, "first")
	if err != nil || !created {
		t.Fatalf("expected first init to store hash, got %v %v", created, err)
	}

	created, err = InitAPIKeyHash(ctx, database, "second")
	if err != nil || created {
		t.Fatalf("expected second init to be ignored, got %v %v", created, err)
	}

	hash, _ := APIKeyHash(ctx, database)
	if hash != "first" {
		t.Errorf("expected first hash to persist, got %q", hash)
	}
}

func TestSyncRequestConsumedOnce(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	taken, _ := TakeSyncRequest(ctx, database)
	if taken {
		t.Fatal("expected no pending request")
	}

	RequestSync(ctx, database, baseTime)
	RequestSync(ctx, database, baseTime)

	taken, err := TakeSyncRequest(ctx, database)
	if err != nil || !taken {
		t.Fatalf("expected pending request, got %v %v", taken, err)
	}
	taken, _ = TakeSyncRequest(ctx, database)
	if taken {
		t.Error("expected request to be consumed")
	}
}

func TestLastSyncAtMissing(t *testing.T) {
	database := db.NewTestDB(t)

	at, err := LastSyncAt(context.Background(), database)
	if err != nil || at != nil {
		t.Errorf("expected nil time, got %v %v", at, err)
	}
}
