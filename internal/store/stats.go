package store

import (
	"context"
	"database/sql"

	"github.com/erazemk/blagajna/internal/model"
)

// CountByFamily returns the number of records in each record family.
func CountByFamily(ctx context.Context, db *sql.DB) (model.FamilyCounts, error) {
	var c model.FamilyCounts
	err := db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM catalogue_items),
		        (SELECT COUNT(*) FROM badge_profiles),
		        (SELECT COUNT(*) FROM offline_transactions)`,
	).Scan(&c.CatalogueItems, &c.BadgeProfiles, &c.OfflineTransactions)
	if err != nil {
		return c, storageErr("counting records", err)
	}
	return c, nil
}

// OfflineStats gathers the figures shown on the till's offline indicator.
func OfflineStats(ctx context.Context, db *sql.DB) (*model.OfflineStats, error) {
	families, err := CountByFamily(ctx, db)
	if err != nil {
		return nil, err
	}
	byStatus, err := CountByStatus(ctx, db)
	if err != nil {
		return nil, err
	}
	lastSync, err := LastSyncAt(ctx, db)
	if err != nil {
		return nil, err
	}

	return &model.OfflineStats{
		CachedItems:    families.CatalogueItems,
		CachedProfiles: families.BadgeProfiles,
		PendingCount:   byStatus[model.SyncPending],
		SyncingCount:   byStatus[model.SyncSyncing],
		FailedCount:    byStatus[model.SyncFailed],
		LastSyncAt:     lastSync,
	}, nil
}
