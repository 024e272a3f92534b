package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var _ FeedRepository = (*feedRepository)(nil)

type feedRepository struct {
	db *DB
}

func NewFeedRepository(db *DB) FeedRepository {
	return &feedRepository{db: db}
}

var feedColumns = []string{
	"name", "url", "source_type", "priority",
	"last_fetched_at", "last_success_at", "last_status", "last_error",
	"consecutive_errors", "entries_seen", "items_inserted",
	"created_at", "updated_at",
}

func (r *feedRepository) UpsertFeed(ctx context.Context, name, url, sourceType string, priority int) error {
	now := time.Now().UTC().Unix()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO feeds (name, url, source_type, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			source_type = excluded.source_type,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`, name, url, sourceType, priority, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert feed: %w", err)
	}

	return nil
}

func (r *feedRepository) RecordFetch(ctx context.Context, name string, result FetchResult) error {
	at := result.At.UTC().Unix()

	var err error
	if result.Error == "" {
		_, err = r.db.ExecContext(ctx, `
			UPDATE feeds
			SET last_fetched_at = ?, last_success_at = ?, last_status = ?, last_error = '',
			    consecutive_errors = 0,
			    entries_seen = entries_seen + ?, items_inserted = items_inserted + ?,
			    updated_at = ?
			WHERE name = ?
		`, at, at, result.Status, result.Seen, result.Inserted, at, name)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE feeds
			SET last_fetched_at = ?, last_status = ?, last_error = ?,
			    consecutive_errors = consecutive_errors + 1,
			    updated_at = ?
			WHERE name = ?
		`, at, result.Status, result.Error, at, name)
	}
	if err != nil {
		return fmt.Errorf("failed to record fetch: %w", err)
	}

	return nil
}

func (r *feedRepository) GetFeed(ctx context.Context, name string) (*Feed, error) {
	query, args, err := sq.Select(feedColumns...).From("feeds").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build feed query: %w", err)
	}

	feed, err := scanFeed(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}

	return feed, nil
}

func (r *feedRepository) GetFeeds(ctx context.Context) ([]Feed, error) {
	query, args, err := sq.Select(feedColumns...).From("feeds").OrderBy("priority ASC", "name ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build feeds query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get feeds: %w", err)
	}
	defer rows.Close()

	feeds := []Feed{}
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed row: %w", err)
		}
		feeds = append(feeds, *feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed rows: %w", err)
	}

	return feeds, nil
}

func (r *feedRepository) GetFeedCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feeds").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get feed count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*Feed, error) {
	var (
		feed                     Feed
		lastFetched, lastSuccess sql.NullInt64
		createdAt, updatedAt     int64
	)

	err := row.Scan(
		&feed.Name, &feed.URL, &feed.SourceType, &feed.Priority,
		&lastFetched, &lastSuccess, &feed.LastStatus, &feed.LastError,
		&feed.ConsecutiveErrors, &feed.EntriesSeen, &feed.ItemsInserted,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	feed.LastFetchedAt = fromNullUnix(lastFetched)
	feed.LastSuccessAt = fromNullUnix(lastSuccess)
	feed.CreatedAt = time.Unix(createdAt, 0).UTC()
	feed.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &feed, nil
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
