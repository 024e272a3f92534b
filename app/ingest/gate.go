// Package ingest admits parsed feed entries into the item store and hands
// new items to the enrichment queue.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/metrics"
	"github.com/lysyi3m/threat-comb/app/queue"
)

// Gate stores each entry at most once and publishes one enrichment job per
// item that was actually inserted.
type Gate struct {
	items     database.ItemRepository
	publisher queue.Publisher
}

func NewGate(items database.ItemRepository, publisher queue.Publisher) *Gate {
	return &Gate{items: items, publisher: publisher}
}

// Item builds the stored form of an entry.
func Item(source *feed.Config, entry feed.RawEntry, fetchedAt time.Time) database.Item {
	id := feed.Fingerprint(entry.Title, entry.URL, entry.PublishedAt)

	publishedTS := fetchedAt
	if entry.PublishedParsed != nil {
		publishedTS = *entry.PublishedParsed
	}

	return database.Item{
		ID:          id,
		URL:         entry.URL,
		Title:       entry.Title,
		Source:      source.Name,
		SourceType:  string(source.SourceType),
		PublishedAt: entry.PublishedAt,
		PublishedTS: publishedTS.UTC(),
		FetchedAt:   fetchedAt.UTC(),
		Summary:     feed.PlainText(entry.Summary),
		ContentHash: id,
	}
}

// Admit reports whether the entry was new. A duplicate is not an error.
// If publishing fails the item stays stored without enrichment and the
// error is returned.
func (g *Gate) Admit(ctx context.Context, source *feed.Config, entry feed.RawEntry, fetchedAt time.Time) (bool, error) {
	item := Item(source, entry, fetchedAt)

	inserted, err := g.items.InsertIfAbsent(ctx, item)
	if err != nil {
		return false, fmt.Errorf("failed to store item %s: %w", item.ID, err)
	}
	if !inserted {
		metrics.ItemsDuplicate.WithLabelValues(source.Name).Inc()
		return false, nil
	}
	metrics.ItemsInserted.WithLabelValues(source.Name).Inc()

	job := JobFor(item)
	if err := g.publisher.Publish(ctx, job); err != nil {
		return true, fmt.Errorf("failed to enqueue enrichment for item %s: %w", item.ID, err)
	}

	slog.Debug("Item admitted", "feed", source.Name, "id", item.ID, "title", item.Title)
	return true, nil
}

func JobFor(item database.Item) queue.Job {
	return queue.Job{
		ID:      item.ID,
		URL:     item.URL,
		Title:   item.Title,
		Summary: item.Summary,
		Source:  item.Source,
	}
}
