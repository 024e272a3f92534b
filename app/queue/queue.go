// Package queue carries enrichment jobs from the ingest gate to the
// enrichment consumer. Two backends exist: an in-process channel and a
// Kafka topic. Both deliver jobs at least once.
package queue

import (
	"context"
	"log/slog"
	"time"
)

// Job names a freshly inserted item. Only the fields the consumer needs
// travel with it.
type Job struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Source  string `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Handler processes a batch of jobs. A returned error means none of the
// jobs in the batch are acknowledged.
type Handler func(ctx context.Context, jobs []Job) error

const (
	DefaultMaxAttempts = 4
	maxRetryDelay      = 30 * time.Second
)

// retryDelay doubles per attempt starting at base and is capped.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt-1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

func handleWithRetry(ctx context.Context, handler Handler, jobs []Job, attempts int, base time.Duration) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = handler(ctx, jobs); err == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		delay := retryDelay(base, attempt)
		slog.Warn("Enrichment batch retry scheduled", "jobs", len(jobs), "attempt", attempt, "delay", delay.String(), "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
