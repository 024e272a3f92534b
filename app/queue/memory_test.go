package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]Job
	fail    int
	calls   int
	done    chan struct{}
	want    int
	seen    int
}

func (r *recorder) handle(_ context.Context, jobs []Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.fail > 0 {
		r.fail--
		return errors.New("store unavailable")
	}

	r.batches = append(r.batches, jobs)
	r.seen += len(jobs)
	if r.seen >= r.want {
		close(r.done)
	}
	return nil
}

func TestMemoryBatchesQueuedJobs(t *testing.T) {
	q := NewMemory(10, 1, 3)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := q.Publish(ctx, Job{ID: id}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("Expected 5 queued jobs, got: %d", q.Len())
	}

	rec := &recorder{done: make(chan struct{}), want: 5}

	runCtx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})
	go func() {
		q.Run(runCtx, rec.handle)
		close(finished)
	}()

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for jobs")
	}
	cancel()
	<-finished

	if len(rec.batches) != 2 {
		t.Fatalf("Expected 2 batches, got: %d", len(rec.batches))
	}
	if len(rec.batches[0]) != 3 || len(rec.batches[1]) != 2 {
		t.Errorf("Expected batch sizes 3 and 2, got: %d and %d", len(rec.batches[0]), len(rec.batches[1]))
	}
	if rec.batches[0][0].ID != "a" || rec.batches[1][1].ID != "e" {
		t.Errorf("Expected jobs in publish order, got: %v", rec.batches)
	}
}

func TestMemoryRetriesFailedBatch(t *testing.T) {
	q := NewMemory(10, 1, 10)
	q.RetryBase = time.Millisecond

	ctx := context.Background()
	if err := q.Publish(ctx, Job{ID: "a"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rec := &recorder{done: make(chan struct{}), want: 1, fail: 2}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go q.Run(runCtx, rec.handle)

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for retried job")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls != 3 {
		t.Errorf("Expected 3 handler calls, got: %d", rec.calls)
	}
}

func TestMemoryPublishRespectsContext(t *testing.T) {
	q := NewMemory(1, 1, 1)

	if err := q.Publish(context.Background(), Job{ID: "a"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Publish(ctx, Job{ID: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error on full queue, got: %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{70, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := retryDelay(time.Second, tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d): expected %s, got: %s", tt.attempt, tt.want, got)
		}
	}
}
