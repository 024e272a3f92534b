package tasks

// TaskSchedulerInterface is what the rest of the application sees of the
// ingestion scheduler.
//
//	scheduler := NewScheduler(configCache, feedRepo, itemRepo, httpClient, parser, filterer, contentExtractor, gate, archiver)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.RefreshFeed("cisa-advisories")
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
	RefreshFeed(name string) error
	GetStats() Stats
	Health() map[string]interface{}
}
