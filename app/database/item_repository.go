package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var _ ItemRepository = (*itemRepository)(nil)

type itemRepository struct {
	db *DB
}

func NewItemRepository(db *DB) ItemRepository {
	return &itemRepository{db: db}
}

var itemListColumns = []string{
	"i.id", "i.url", "i.title", "i.source", "i.source_type",
	"i.published_at", "i.published_ts", "i.fetched_at", "i.summary",
	"i.content_hash", "i.cve", "i.exploited", "i.epss", "i.enriched_at",
}

// InsertIfAbsent stores the item unless an item with the same id exists.
// It reports whether this call created the row.
func (r *itemRepository) InsertIfAbsent(ctx context.Context, item Item) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO items (
			id, url, title, source, source_type,
			published_at, published_ts, fetched_at, summary, content_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, item.ID, item.URL, item.Title, item.Source, item.SourceType,
		item.PublishedAt, item.PublishedTS.UTC().Unix(), item.FetchedAt.UTC().Unix(),
		item.Summary, item.ContentHash)
	if err != nil {
		return false, fmt.Errorf("failed to insert item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

func (r *itemRepository) GetItem(ctx context.Context, id string) (*Item, error) {
	query, args, err := sq.Select(append(slices.Clone(itemListColumns), "i.body")...).
		From("items i").
		Where(sq.Eq{"i.id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build item query: %w", err)
	}

	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	return item, nil
}

func (r *itemRepository) GetIOCs(ctx context.Context, itemID string) ([]IOC, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id, kind, value FROM iocs WHERE item_id = ? ORDER BY rowid
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get iocs: %w", err)
	}
	defer rows.Close()

	iocs := []IOC{}
	for rows.Next() {
		var ioc IOC
		if err := rows.Scan(&ioc.ItemID, &ioc.Kind, &ioc.Value); err != nil {
			return nil, fmt.Errorf("failed to scan ioc row: %w", err)
		}
		iocs = append(iocs, ioc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ioc rows: %w", err)
	}

	return iocs, nil
}

// Query returns items newest first. A non-empty q goes through the
// full-text index but results are still ordered by recency.
func (r *itemRepository) Query(ctx context.Context, q ItemQuery) ([]Item, error) {
	builder := sq.Select(itemListColumns...).From("items i")

	if match := ftsMatchExpr(q.Q); match != "" {
		builder = builder.
			Join("items_fts ON items_fts.rowid = i.rowid").
			Where("items_fts MATCH ?", match)
	}

	if q.Since != nil {
		builder = builder.Where(sq.GtOrEq{"i.published_ts": q.Since.UTC().Unix()})
	}
	if q.SourceType != "" {
		builder = builder.Where(sq.Eq{"i.source_type": q.SourceType})
	}
	if q.Source != "" {
		builder = builder.Where(sq.Eq{"i.source": q.Source})
	}

	switch q.Exploited {
	case TriTrue:
		builder = builder.Where(sq.Eq{"i.exploited": 1})
	case TriFalse:
		builder = builder.Where("COALESCE(i.exploited, 0) = 0")
	}

	switch q.HasCVE {
	case TriTrue:
		builder = builder.Where(sq.NotEq{"i.cve": nil})
	case TriFalse:
		builder = builder.Where(sq.Eq{"i.cve": nil})
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	offset := max(q.Offset, 0)

	query, args, err := builder.
		OrderBy("i.published_ts DESC", "i.fetched_at DESC", "i.id ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build items query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}

	return items, nil
}

func (r *itemRepository) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{BySourceType: map[string]int{}}
	dayAgo := now.Add(-24 * time.Hour).UTC().Unix()

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN published_ts >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN exploited = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN enriched_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM items
	`, dayAgo).Scan(&stats.Total, &stats.Last24h, &stats.Exploited, &stats.Enriched)
	if err != nil {
		return nil, fmt.Errorf("failed to get item totals: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT source_type, COUNT(*) FROM items GROUP BY source_type ORDER BY source_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get source type counts: %w", err)
	}
	for rows.Next() {
		var (
			sourceType string
			count      int
		)
		if err := rows.Scan(&sourceType, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan source type row: %w", err)
		}
		stats.BySourceType[sourceType] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating source type rows: %w", err)
	}
	rows.Close()

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM iocs").Scan(&stats.IOCs); err != nil {
		return nil, fmt.Errorf("failed to get ioc count: %w", err)
	}

	return stats, nil
}

func (r *itemRepository) GetItemCount(ctx context.Context, source string) (int, error) {
	builder := sq.Select("COUNT(*)").From("items")
	if source != "" {
		builder = builder.Where(sq.Eq{"source": source})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get item count: %w", err)
	}
	return count, nil
}

// UpdateEnrichment overwrites the enrichment columns of an item.
// Repeating the call with the same values leaves the row unchanged.
func (r *itemRepository) UpdateEnrichment(ctx context.Context, itemID string, e Enrichment) error {
	exploited := e.Exploited && e.CVE != nil

	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET cve = ?, exploited = ?, epss = ?, enriched_at = ?
		WHERE id = ?
	`, e.CVE, exploited, e.EPSS, e.At.UTC().Unix(), itemID)
	if err != nil {
		return fmt.Errorf("failed to update enrichment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update enrichment for %s: %w", itemID, ErrNotFound)
	}

	return nil
}

func (r *itemRepository) InsertIOCs(ctx context.Context, iocs []IOC) error {
	if len(iocs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO iocs (item_id, kind, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ioc insert: %w", err)
	}
	defer stmt.Close()

	for _, ioc := range iocs {
		if _, err := stmt.ExecContext(ctx, ioc.ItemID, ioc.Kind, ioc.Value); err != nil {
			return fmt.Errorf("failed to insert ioc: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit iocs: %w", err)
	}

	return nil
}

func (r *itemRepository) GetItemsForExtraction(ctx context.Context, source string, limit int) ([]ItemForExtraction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, url FROM items
		WHERE source = ? AND body = '' AND body_extracted_at IS NULL AND url != ''
		ORDER BY published_ts DESC
		LIMIT ?
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get items for extraction: %w", err)
	}
	defer rows.Close()

	var items []ItemForExtraction
	for rows.Next() {
		var item ItemForExtraction
		if err := rows.Scan(&item.ID, &item.URL); err != nil {
			return nil, fmt.Errorf("failed to scan extraction row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating extraction rows: %w", err)
	}

	return items, nil
}

func (r *itemRepository) UpdateBody(ctx context.Context, itemID, body string, extractedAt time.Time, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items SET body = ?, body_extracted_at = ?, body_error = ? WHERE id = ?
	`, body, extractedAt.UTC().Unix(), errMsg, itemID)
	if err != nil {
		return fmt.Errorf("failed to update item body: %w", err)
	}
	return nil
}

func scanItem(row rowScanner, withBody bool) (*Item, error) {
	var (
		item                   Item
		publishedTS, fetchedAt int64
		cve                    sql.NullString
		exploited              sql.NullBool
		epss                   sql.NullFloat64
		enrichedAt             sql.NullInt64
	)

	dest := []any{
		&item.ID, &item.URL, &item.Title, &item.Source, &item.SourceType,
		&item.PublishedAt, &publishedTS, &fetchedAt, &item.Summary,
		&item.ContentHash, &cve, &exploited, &epss, &enrichedAt,
	}
	if withBody {
		dest = append(dest, &item.Body)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	item.PublishedTS = time.Unix(publishedTS, 0).UTC()
	item.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	if cve.Valid {
		item.CVE = &cve.String
	}
	if exploited.Valid {
		item.Exploited = &exploited.Bool
	}
	if epss.Valid {
		item.EPSS = &epss.Float64
	}
	item.EnrichedAt = fromNullUnix(enrichedAt)

	return &item, nil
}

// ftsMatchExpr turns free text into an FTS5 expression where every term is
// a quoted string, so operators and column filters in user input are inert.
func ftsMatchExpr(q string) string {
	terms := strings.Fields(q)
	if len(terms) == 0 {
		return ""
	}

	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}

	return strings.Join(quoted, " ")
}
