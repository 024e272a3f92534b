package database

import (
	"context"
	"time"
)

type FeedRepository interface {
	GetFeed(ctx context.Context, name string) (*Feed, error)
	GetFeeds(ctx context.Context) ([]Feed, error)
	GetFeedCount(ctx context.Context) (int, error)

	UpsertFeed(ctx context.Context, name, url, sourceType string, priority int) error
	RecordFetch(ctx context.Context, name string, result FetchResult) error
}

type ItemRepository interface {
	InsertIfAbsent(ctx context.Context, item Item) (bool, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	GetIOCs(ctx context.Context, itemID string) ([]IOC, error)
	Query(ctx context.Context, q ItemQuery) ([]Item, error)
	GetStats(ctx context.Context, now time.Time) (*Stats, error)
	GetItemCount(ctx context.Context, source string) (int, error)

	UpdateEnrichment(ctx context.Context, itemID string, e Enrichment) error
	InsertIOCs(ctx context.Context, iocs []IOC) error

	GetItemsForExtraction(ctx context.Context, source string, limit int) ([]ItemForExtraction, error)
	UpdateBody(ctx context.Context, itemID, body string, extractedAt time.Time, errMsg string) error
}

type KVRepository interface {
	Get(ctx context.Context, key string, now time.Time) (string, bool, error)
	Set(ctx context.Context, key, value string, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
