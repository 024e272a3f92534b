package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeExtractContent TaskType = "extract_content"
	TaskTypeProcessFeed    TaskType = "process_feed"
	TaskTypeSyncFeedConfig TaskType = "sync_feed_config"
)

const (
	DefaultMaxRetries = 3

	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// TaskInterface is a unit of work for the scheduler's worker pool. Base
// exposes the bookkeeping shared by every task.
type TaskInterface interface {
	Execute(ctx context.Context) error
	Base() *Task
}

type Task struct {
	ID         string
	Type       TaskType
	FeedName   string
	RetryCount int
	MaxRetries int
	StartedAt  *time.Time
}

func NewTask(taskType TaskType, feedName string) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		FeedName:   feedName,
		MaxRetries: DefaultMaxRetries,
	}
}

func (t *Task) Base() *Task {
	return t
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// ScheduleRetry takes one retry from the budget and returns how long to wait
// before running again. ok is false once the budget is spent.
func (t *Task) ScheduleRetry() (delay time.Duration, ok bool) {
	if !t.CanRetry() {
		return 0, false
	}
	t.RetryCount++
	return t.RetryDelay(), true
}

// RetryDelay doubles with every retry already taken, capped at 30s.
func (t *Task) RetryDelay() time.Duration {
	delay := retryBaseDelay << max(t.RetryCount-1, 0)
	return min(delay, retryMaxDelay)
}

// LogAttrs identifies the task in log records.
func (t *Task) LogAttrs() []any {
	return []any{"type", string(t.Type), "feed", t.FeedName, "id", t.ID, "retry_count", t.RetryCount}
}
