package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lysyi3m/threat-comb/app/archive"
	"github.com/lysyi3m/threat-comb/app/cfg"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/ingest"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

var ErrUnknownFeed = errors.New("unknown feed")

// Stats holds counters over every task the workers have executed.
type Stats struct {
	TotalProcessed     int64
	TotalErrors        int64
	Workers            int
	QueueSize          int
	LastProcessedAt    *time.Time
	AverageProcessTime time.Duration
	processTimes       []time.Duration
}

type Scheduler struct {
	feedRepo         database.FeedRepository
	itemRepo         database.ItemRepository
	configCache      *feed.ConfigCache
	httpClient       *http.Client
	parser           *feed.Parser
	filterer         *feed.Filterer
	contentExtractor *feed.ContentExtractor
	gate             *ingest.Gate
	archiver         archive.Archiver
	userAgent        string
	interval         time.Duration
	workerCount      int
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	taskQueue        chan TaskInterface
	mu               sync.RWMutex
	stats            Stats
}

func NewScheduler(configCache *feed.ConfigCache, feedRepo database.FeedRepository,
	itemRepo database.ItemRepository, httpClient *http.Client, parser *feed.Parser, filterer *feed.Filterer,
	contentExtractor *feed.ContentExtractor, gate *ingest.Gate, archiver archive.Archiver) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := cfg.Get()

	return &Scheduler{
		feedRepo:         feedRepo,
		itemRepo:         itemRepo,
		configCache:      configCache,
		httpClient:       httpClient,
		parser:           parser,
		filterer:         filterer,
		contentExtractor: contentExtractor,
		gate:             gate,
		archiver:         archiver,
		userAgent:        cfg.UserAgent,
		interval:         time.Duration(cfg.SchedulerInterval) * time.Second,
		workerCount:      cfg.WorkerCount,
		ctx:              ctx,
		cancel:           cancel,
		taskQueue:        make(chan TaskInterface, 300),
		stats:            Stats{Workers: cfg.WorkerCount},
	}
}

func (s *Scheduler) Start() {
	slog.Info("Starting scheduler", "workers", s.workerCount, "interval", s.interval.String())

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// RefreshFeed queues an immediate fetch of one source outside the ticker.
func (s *Scheduler) RefreshFeed(name string) error {
	feedConfig, err := s.configCache.GetConfig(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownFeed, name)
	}
	return s.EnqueueTask(s.newProcessFeedTask(feedConfig))
}

// tick picks up edited source files, mirrors them into the feeds table and
// then queues the fetches. A registry that fails to reload keeps the
// previously loaded sources.
func (s *Scheduler) tick() {
	if err := s.configCache.Run(); err != nil {
		slog.Warn("Failed to reload feed configurations", "error", err)
	}
	s.syncConfigs()
	s.enqueueTasks()
}

// syncConfigs runs before any fetch so status rows exist to record into.
func (s *Scheduler) syncConfigs() {
	feedConfigs := s.configCache.GetConfigs()
	if len(feedConfigs) == 0 {
		slog.Debug("No feed configurations found")
		return
	}

	for _, feedConfig := range feedConfigs {
		task := NewSyncFeedConfigTask(feedConfig.Name, feedConfig, s.feedRepo)
		task.Start()
		if err := task.Execute(s.ctx); err != nil {
			slog.Error("Task failed", append(task.LogAttrs(), "error", err)...)
		}
	}
}

// enqueueTasks queues one fetch per enabled source, lowest priority value
// first, followed by any content extraction.
func (s *Scheduler) enqueueTasks() {
	feedConfigs := s.configCache.GetEnabledConfigs()
	if len(feedConfigs) == 0 {
		slog.Debug("No enabled feed configurations found")
		return
	}

	slog.Debug("Processing enabled feed configurations for task scheduling", "count", len(feedConfigs))

	for _, feedConfig := range feedConfigs {
		if err := s.EnqueueTask(s.newProcessFeedTask(feedConfig)); err != nil {
			slog.Warn("Failed to enqueue ProcessFeedTask", "feed", feedConfig.Name, "error", err)
		}
	}

	for _, feedConfig := range feedConfigs {
		if !feedConfig.Settings.ExtractContent {
			continue
		}
		extractTask := NewExtractContentTask(feedConfig.Name, feedConfig, s.httpClient, s.contentExtractor, s.itemRepo, s.userAgent)
		if err := s.EnqueueTask(extractTask); err != nil {
			slog.Warn("Failed to enqueue ExtractContentTask", "feed", feedConfig.Name, "error", err)
		}
	}
}

func (s *Scheduler) newProcessFeedTask(feedConfig *feed.Config) *ProcessFeedTask {
	return NewProcessFeedTask(feedConfig.Name, feedConfig, s.httpClient, s.parser, s.filterer, s.gate, s.archiver, s.feedRepo, s.userAgent)
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	base := task.Base()
	base.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	err := task.Execute(taskCtx)
	s.recordResult(base.Duration(), err)

	if err == nil {
		return
	}

	slog.Error("Worker task execution failed", append(base.LogAttrs(), "worker_id", workerID, "error", err)...)

	retryDelay, ok := base.ScheduleRetry()
	if !ok {
		if base.MaxRetries > 0 {
			slog.Error("Task failed after maximum retries", append(base.LogAttrs(), "max_retries", base.MaxRetries, "last_error", err)...)
		}
		return
	}

	slog.Warn("Task retry scheduled", append(base.LogAttrs(), "max_retries", base.MaxRetries, "delay", retryDelay.String())...)

	go func() {
		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", base.LogAttrs()...)
		case <-time.After(retryDelay):
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", append(base.LogAttrs(), "error", retryErr)...)
			}
		}
	}()
}

func (s *Scheduler) recordResult(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalProcessed++
	if err != nil {
		s.stats.TotalErrors++
	}
	now := time.Now()
	s.stats.LastProcessedAt = &now

	s.stats.processTimes = append(s.stats.processTimes, duration)
	if len(s.stats.processTimes) > 100 {
		s.stats.processTimes = s.stats.processTimes[1:]
	}

	var total time.Duration
	for _, d := range s.stats.processTimes {
		total += d
	}
	s.stats.AverageProcessTime = total / time.Duration(len(s.stats.processTimes))
}

func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statsCopy := s.stats
	statsCopy.processTimes = nil
	statsCopy.QueueSize = len(s.taskQueue)
	return statsCopy
}

// Health grades the scheduler by task error rate: above 10% is degraded,
// above 50% unhealthy.
func (s *Scheduler) Health() map[string]interface{} {
	stats := s.GetStats()

	health := map[string]interface{}{
		"status":               "healthy",
		"workers":              stats.Workers,
		"queue_size":           stats.QueueSize,
		"total_processed":      stats.TotalProcessed,
		"total_errors":         stats.TotalErrors,
		"average_process_time": stats.AverageProcessTime.String(),
	}

	if stats.LastProcessedAt != nil {
		health["last_processed_at"] = stats.LastProcessedAt.Format(time.RFC3339)
	}

	if stats.TotalProcessed > 0 {
		errorRate := float64(stats.TotalErrors) / float64(stats.TotalProcessed)
		if errorRate > 0.5 {
			health["status"] = "unhealthy"
		} else if errorRate > 0.1 {
			health["status"] = "degraded"
		}
		health["error_rate"] = errorRate
	}

	return health
}
