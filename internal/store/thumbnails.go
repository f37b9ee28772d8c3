package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/erazemk/blagajna/internal/model"
)

// PutThumbnail stores or replaces the cached thumbnail of a catalogue item.
func PutThumbnail(ctx context.Context, db *sql.DB, th model.Thumbnail) error {
	fetchedAt := th.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO catalogue_thumbnails (item_id, source_url, data, mime, fetched_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (item_id) DO UPDATE SET
		     source_url = excluded.source_url,
		     data = excluded.data,
		     mime = excluded.mime,
		     fetched_at = excluded.fetched_at`,
		th.ItemID, th.SourceURL, th.Data, th.MIME, fetchedAt.UTC(),
	)
	if err != nil {
		return storageErr("storing thumbnail", err)
	}
	return nil
}

// GetThumbnail returns the cached thumbnail of an item, or nil if none is cached.
func GetThumbnail(ctx context.Context, db *sql.DB, itemID int64) (*model.Thumbnail, error) {
	th := &model.Thumbnail{}
	err := db.QueryRowContext(ctx,
		`SELECT item_id, source_url, data, mime, fetched_at FROM catalogue_thumbnails WHERE item_id = ?`, itemID,
	).Scan(&th.ItemID, &th.SourceURL, &th.Data, &th.MIME, &th.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("reading thumbnail", err)
	}
	return th, nil
}
