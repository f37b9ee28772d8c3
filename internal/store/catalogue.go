package store

import (
	"context"
	"database/sql"

	"github.com/erazemk/blagajna/internal/model"
)

// ReplaceCatalogue clears and rewrites the cached catalogue in a single
// transaction. Readers see either the old or the new list, never a mix.
// Thumbnails of items that are no longer listed are dropped in the same step.
func ReplaceCatalogue(ctx context.Context, db *sql.DB, items []model.CatalogueItem) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning catalogue replace", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalogue_items`); err != nil {
		return storageErr("clearing catalogue", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalogue_items (id, position, name, price, quantity, available, active, image_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return storageErr("preparing catalogue insert", err)
	}
	defer stmt.Close()

	for i, it := range items {
		if _, err := stmt.ExecContext(ctx,
			it.ID, i, it.Name, it.Price.String(), it.Quantity, it.Available, it.Active, nullString(it.ImageURL),
		); err != nil {
			return storageErr("inserting catalogue item", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM catalogue_thumbnails WHERE item_id NOT IN (SELECT id FROM catalogue_items)`,
	); err != nil {
		return storageErr("pruning thumbnails", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing catalogue replace", err)
	}
	return nil
}

// ListCatalogue returns the cached catalogue in the order the server sent it.
// An empty cache yields an empty, non-nil slice.
func ListCatalogue(ctx context.Context, db *sql.DB) ([]model.CatalogueItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, price, quantity, available, active, image_url
		 FROM catalogue_items ORDER BY position`,
	)
	if err != nil {
		return nil, storageErr("listing catalogue", err)
	}
	defer rows.Close()

	items := []model.CatalogueItem{}
	for rows.Next() {
		it, err := scanCatalogueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing catalogue", err)
	}
	return items, nil
}

// GetCatalogueItem returns a cached item by ID, or nil if it is not cached.
func GetCatalogueItem(ctx context.Context, db *sql.DB, id int64) (*model.CatalogueItem, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, price, quantity, available, active, image_url
		 FROM catalogue_items WHERE id = ?`, id,
	)
	it, err := scanCatalogueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return it, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCatalogueItem(s scanner) (*model.CatalogueItem, error) {
	var it model.CatalogueItem
	var imageURL sql.NullString
	err := s.Scan(&it.ID, &it.Name, &it.Price, &it.Quantity, &it.Available, &it.Active, &imageURL)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("scanning catalogue item", err)
	}
	it.ImageURL = imageURL.String
	return &it, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
