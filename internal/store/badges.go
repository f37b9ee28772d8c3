package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/erazemk/blagajna/internal/model"
)

// UpsertBadgeProfile inserts or overwrites the cached profile for a badge code.
func UpsertBadgeProfile(ctx context.Context, db *sql.DB, p model.BadgeProfile) error {
	cachedAt := p.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO badge_profiles (badge_code, id, first_name, last_name, email, balance, category_id, active, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (badge_code) DO UPDATE SET
		     id = excluded.id,
		     first_name = excluded.first_name,
		     last_name = excluded.last_name,
		     email = excluded.email,
		     balance = excluded.balance,
		     category_id = excluded.category_id,
		     active = excluded.active,
		     cached_at = excluded.cached_at`,
		p.BadgeCode, p.ID, p.FirstName, p.LastName, p.Email, p.Balance.String(), p.CategoryID, p.Active, cachedAt.UTC(),
	)
	if err != nil {
		return storageErr("upserting badge profile", err)
	}
	return nil
}

// LookupBadgeProfile returns the cached profile for a badge code, or nil if
// none is cached. A missing key is not an error.
func LookupBadgeProfile(ctx context.Context, db *sql.DB, code string) (*model.BadgeProfile, error) {
	p := &model.BadgeProfile{}
	err := db.QueryRowContext(ctx,
		`SELECT badge_code, id, first_name, last_name, email, balance, category_id, active, cached_at
		 FROM badge_profiles WHERE badge_code = ?`, code,
	).Scan(&p.BadgeCode, &p.ID, &p.FirstName, &p.LastName, &p.Email, &p.Balance, &p.CategoryID, &p.Active, &p.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("looking up badge profile", err)
	}
	return p, nil
}
