package tasks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lysyi3m/threat-comb/app/archive"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/ingest"
	"github.com/lysyi3m/threat-comb/app/metrics"
)

const maxFeedSize = 10 << 20

// ProcessFeedTask fetches one source and passes its entries through the
// dedup gate. It never retries: the next scheduler tick fetches again.
type ProcessFeedTask struct {
	Task
	FeedConfig *feed.Config
	httpClient *http.Client
	parser     *feed.Parser
	filterer   *feed.Filterer
	gate       *ingest.Gate
	archiver   archive.Archiver
	feedRepo   database.FeedRepository
	userAgent  string
}

func NewProcessFeedTask(feedName string, feedConfig *feed.Config, httpClient *http.Client, parser *feed.Parser, filterer *feed.Filterer, gate *ingest.Gate, archiver archive.Archiver, feedRepo database.FeedRepository, userAgent string) *ProcessFeedTask {
	task := NewTask(TaskTypeProcessFeed, feedName)
	task.MaxRetries = 0

	return &ProcessFeedTask{
		Task:       task,
		FeedConfig: feedConfig,
		httpClient: httpClient,
		parser:     parser,
		filterer:   filterer,
		gate:       gate,
		archiver:   archiver,
		feedRepo:   feedRepo,
		userAgent:  userAgent,
	}
}

func (t *ProcessFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !t.FeedConfig.Settings.Enabled {
		slog.Debug("Feed disabled, skipping", "feed", t.FeedName)
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(t.FeedName).Observe(time.Since(start).Seconds())
	}()

	fetchedAt := time.Now().UTC()

	data, status, err := t.fetchFeed(ctx, t.FeedConfig.URL)
	if err != nil {
		t.recordFailure(ctx, "error", status, fetchedAt, err)
		return fmt.Errorf("failed to fetch feed: %w", err)
	}

	if status < 200 || status > 299 {
		slog.Warn("Feed returned non-success status, skipping", "feed", t.FeedName, "status", status)
		t.recordFailure(ctx, "http_error", status, fetchedAt, fmt.Errorf("HTTP status %d", status))
		return nil
	}

	t.archiveDocument(ctx, fetchedAt, data)

	entries, err := t.parser.Run(data)
	if err != nil {
		t.recordFailure(ctx, "parse_error", status, fetchedAt, err)
		return fmt.Errorf("failed to parse feed: %w", err)
	}

	total := len(entries)
	entries = feed.Truncate(entries, t.FeedConfig.Settings.MaxItems)
	entries, filteredCount := t.filterer.Run(entries, t.FeedConfig)

	newCount := 0
	duplicateCount := 0
	unpublished := 0

	for _, entry := range entries {
		inserted, err := t.gate.Admit(ctx, t.FeedConfig, entry, fetchedAt)
		if err != nil && !inserted {
			t.recordFailure(ctx, "store_error", status, fetchedAt, err)
			return fmt.Errorf("failed to admit entry: %w", err)
		}
		if err != nil {
			slog.Warn("Item stored without enrichment job", "feed", t.FeedName, "error", err)
			unpublished++
		}

		if inserted {
			newCount++
		} else {
			duplicateCount++
		}
	}

	err = t.feedRepo.RecordFetch(ctx, t.FeedName, database.FetchResult{
		Status:   status,
		Seen:     total,
		Inserted: newCount,
		At:       fetchedAt,
	})
	if err != nil {
		slog.Error("Failed to record fetch status", "feed", t.FeedName, "error", err)
	}
	metrics.FeedFetches.WithLabelValues(t.FeedName, "success").Inc()

	slog.Info("Task completed",
		"type", "ProcessedFeed",
		"feed", t.FeedName,
		"duration", t.Duration(),
		"total", total,
		"duplicates", duplicateCount,
		"filtered", filteredCount,
		"new", newCount,
		"unpublished", unpublished)

	return nil
}

// fetchFeed returns the body only for 2xx responses. The status is
// returned whenever a response was received.
func (t *ProcessFeedTask) fetchFeed(ctx context.Context, url string) ([]byte, int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(t.FeedConfig.Settings.Timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, "GET", url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, resp.StatusCode, nil
}

func (t *ProcessFeedTask) archiveDocument(ctx context.Context, fetchedAt time.Time, data []byte) {
	if t.archiver == nil {
		return
	}

	key, err := t.archiver.Store(ctx, t.FeedName, fetchedAt, data)
	if err != nil {
		slog.Warn("Failed to archive feed document", "feed", t.FeedName, "error", err)
		return
	}
	slog.Debug("Feed document archived", "feed", t.FeedName, "key", key)
}

func (t *ProcessFeedTask) recordFailure(ctx context.Context, result string, status int, at time.Time, cause error) {
	metrics.FeedFetches.WithLabelValues(t.FeedName, result).Inc()

	err := t.feedRepo.RecordFetch(ctx, t.FeedName, database.FetchResult{
		Status: status,
		Error:  cause.Error(),
		At:     at,
	})
	if err != nil {
		slog.Error("Failed to record fetch status", "feed", t.FeedName, "error", err)
	}
}
