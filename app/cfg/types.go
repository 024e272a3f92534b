package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath   string
	FeedsDir string

	// HTTP surface
	Port         string
	BaseUrl      string
	APIAccessKey string

	// Ingestion
	WorkerCount       int
	SchedulerInterval int
	UserAgent         string
	HTTPTimeout       time.Duration

	// Enrichment
	KEVURL          string
	KEVTTL          time.Duration
	EPSSURL         string
	EPSSRate        float64
	EnrichWorkers   int
	EnrichBatchSize int

	// Queue backend: memory or kafka
	QueueBackend string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// Cache backend: sqlite or redis
	CacheBackend  string
	RedisAddr     string
	RedisPassword string

	// Raw feed archive, disabled when bucket is empty
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchiveKeyID    string
	ArchiveSecret   string

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
