package cache

import (
	"context"
	"time"

	"github.com/lysyi3m/threat-comb/app/database"
)

var _ Cache = (*SQLite)(nil)

// SQLite keeps entries in the kv_cache table of the main database.
// Expiry is evaluated against Now, so tests can move time forward.
type SQLite struct {
	repo database.KVRepository
	Now  func() time.Time
}

func NewSQLite(repo database.KVRepository) *SQLite {
	return &SQLite{repo: repo, Now: time.Now}
}

func (c *SQLite) Get(ctx context.Context, key string) (string, error) {
	value, ok, err := c.repo.Get(ctx, key, c.Now())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrMiss
	}
	return value, nil
}

func (c *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.repo.Set(ctx, key, value, c.Now().Add(ttl))
}

func (c *SQLite) Delete(ctx context.Context, key string) error {
	return c.repo.Delete(ctx, key)
}

// Purge removes expired entries.
func (c *SQLite) Purge(ctx context.Context) (int64, error) {
	return c.repo.PurgeExpired(ctx, c.Now())
}
