package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var _ Publisher = (*Memory)(nil)

// Memory is a bounded in-process queue drained by a fixed set of workers.
// Jobs that still fail after the retry budget are logged and dropped.
type Memory struct {
	jobs        chan Job
	workers     int
	batchSize   int
	MaxAttempts int
	RetryBase   time.Duration
}

func NewMemory(capacity, workers, batchSize int) *Memory {
	return &Memory{
		jobs:        make(chan Job, capacity),
		workers:     max(workers, 1),
		batchSize:   max(batchSize, 1),
		MaxAttempts: DefaultMaxAttempts,
		RetryBase:   time.Second,
	}
}

// Publish blocks while the queue is full, until ctx is done.
func (q *Memory) Publish(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to publish job %s: %w", job.ID, ctx.Err())
	}
}

func (q *Memory) Len() int {
	return len(q.jobs)
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned.
func (q *Memory) Run(ctx context.Context, handler Handler) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id, handler)
		}(i)
	}
	wg.Wait()
}

func (q *Memory) worker(ctx context.Context, id int, handler Handler) {
	for {
		var first Job
		select {
		case <-ctx.Done():
			return
		case first = <-q.jobs:
		}

		batch := q.fill([]Job{first})

		if err := handleWithRetry(ctx, handler, batch, q.MaxAttempts, q.RetryBase); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Enrichment batch dropped after maximum retries", "worker_id", id, "jobs", len(batch), "error", err)
		}
	}
}

// fill drains whatever is already queued, up to the batch size.
func (q *Memory) fill(batch []Job) []Job {
	for len(batch) < q.batchSize {
		select {
		case job := <-q.jobs:
			batch = append(batch, job)
		default:
			return batch
		}
	}
	return batch
}
