package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"velosync/internal/velosync"
)

const cacheNamespace = "-pst"

func (r Repo) Entry(ctx context.Context, userID, slug string) (velosync.CacheEntry, error) {
	const q = `SELECT * FROM post_cache WHERE user_id = ? AND slug = ?;`

	var entry velosync.CacheEntry
	err := r.db.GetContext(ctx, &entry, q, userID, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.CacheEntry{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.CacheEntry{}, fmt.Errorf("error fetching cache entry: %s", err)
	}

	return entry, nil
}

func (r Repo) Entries(ctx context.Context, userID string) ([]velosync.CacheEntry, error) {
	const q = `SELECT * FROM post_cache WHERE user_id = ?;`

	var entries []velosync.CacheEntry
	if err := r.db.SelectContext(ctx, &entries, q, userID); err != nil {
		return nil, fmt.Errorf("error fetching cache entries: %s", err)
	}

	return entries, nil
}

func (r Repo) CountEntries(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COUNT(*) FROM post_cache WHERE user_id = ?;`

	var count int
	if err := r.db.GetContext(ctx, &count, q, userID); err != nil {
		return 0, fmt.Errorf("error counting cache entries: %s", err)
	}

	return count, nil
}

// UpsertEntry creates the entry on first sync of a slug and updates it in
// place on resync, keyed by the (user_id, slug) unique constraint.
func (r Repo) UpsertEntry(ctx context.Context, entry velosync.CacheEntry) error {
	const q = `INSERT INTO post_cache (id, user_id, slug, title, content_hash, thumbnail, tags, content, published_at, last_backed_up)
	VALUES (:id, :user_id, :slug, :title, :content_hash, :thumbnail, :tags, :content, :published_at, :last_backed_up)
	ON CONFLICT (user_id, slug) DO UPDATE SET
		title = excluded.title,
		content_hash = excluded.content_hash,
		thumbnail = excluded.thumbnail,
		tags = excluded.tags,
		content = excluded.content,
		published_at = excluded.published_at,
		last_backed_up = excluded.last_backed_up,
		updated_at = CURRENT_TIMESTAMP;`

	entry.ID = uuid.NewString() + cacheNamespace
	if _, err := r.db.NamedExecContext(ctx, q, entry); err != nil {
		return fmt.Errorf("error upserting cache entry: %s", err)
	}

	return nil
}

func (r Repo) ResetEntries(ctx context.Context, userID string) error {
	const q = `DELETE FROM post_cache WHERE user_id = ?;`

	if _, err := r.db.ExecContext(ctx, q, userID); err != nil {
		return fmt.Errorf("error resetting cache entries: %s", err)
	}

	return nil
}
