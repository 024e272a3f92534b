package cfg

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath   string `long:"db-path" env:"DB_PATH" default:"./data/threat-comb.db" description:"Path to the SQLite database file"`
	FeedsDir string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing feed source files"`

	// HTTP surface
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://intel.example.com)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for admin endpoints (optional)"`

	// Ingestion
	WorkerCount       int           `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of background workers for feed processing"`
	SchedulerInterval int           `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"900" description:"Scheduler interval in seconds"`
	UserAgent         string        `long:"user-agent" env:"USER_AGENT" default:"ThreatComb/1.0" description:"User agent string for HTTP requests"`
	HTTPTimeout       time.Duration `long:"http-timeout" env:"HTTP_TIMEOUT" default:"30s" description:"Timeout for outbound HTTP requests"`

	// Enrichment
	KEVURL          string        `long:"kev-url" env:"KEV_URL" default:"https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json" description:"CISA KEV catalog URL"`
	KEVTTL          time.Duration `long:"kev-ttl" env:"KEV_TTL" default:"12h" description:"How long the KEV catalog stays cached"`
	EPSSURL         string        `long:"epss-url" env:"EPSS_URL" default:"https://api.first.org/data/v1/epss" description:"FIRST EPSS API URL"`
	EPSSRate        float64       `long:"epss-rate" env:"EPSS_RATE" default:"1" description:"Maximum EPSS requests per second"`
	EnrichWorkers   int           `long:"enrich-workers" env:"ENRICH_WORKERS" default:"2" description:"Number of enrichment consumers"`
	EnrichBatchSize int           `long:"enrich-batch-size" env:"ENRICH_BATCH_SIZE" default:"25" description:"Maximum jobs handled per enrichment batch"`

	// Queue backend
	QueueBackend string   `long:"queue-backend" env:"QUEUE_BACKEND" default:"memory" choice:"memory" choice:"kafka" description:"Enrichment queue backend"`
	KafkaBrokers []string `long:"kafka-brokers" env:"KAFKA_BROKERS" env-delim:"," description:"Kafka broker addresses"`
	KafkaTopic   string   `long:"kafka-topic" env:"KAFKA_TOPIC" default:"threat-comb.enrichment" description:"Kafka topic for enrichment jobs"`
	KafkaGroup   string   `long:"kafka-group" env:"KAFKA_GROUP" default:"threat-comb-enricher" description:"Kafka consumer group"`

	// Cache backend
	CacheBackend  string `long:"cache-backend" env:"CACHE_BACKEND" default:"sqlite" choice:"sqlite" choice:"redis" description:"Key/value cache backend"`
	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
	RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`

	// Raw feed archive
	ArchiveBucket   string `long:"archive-bucket" env:"ARCHIVE_BUCKET" description:"S3 bucket for raw feed documents (optional)"`
	ArchiveRegion   string `long:"archive-region" env:"ARCHIVE_REGION" default:"us-east-1" description:"S3 region"`
	ArchiveEndpoint string `long:"archive-endpoint" env:"ARCHIVE_ENDPOINT" description:"Custom S3 endpoint (MinIO, LocalStack)"`
	ArchiveKeyID    string `long:"archive-access-key-id" env:"ARCHIVE_ACCESS_KEY_ID" description:"Static S3 access key id; default AWS credential chain when empty"`
	ArchiveSecret   string `long:"archive-secret-access-key" env:"ARCHIVE_SECRET_ACCESS_KEY" description:"Static S3 secret access key"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	_ = godotenv.Load()

	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from the given arguments and the environment.
// A nil config with a nil error means help was requested.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:            raw.DBPath,
		FeedsDir:          raw.FeedsDir,
		Port:              raw.Port,
		BaseUrl:           raw.BaseUrl,
		APIAccessKey:      raw.APIAccessKey,
		WorkerCount:       raw.WorkerCount,
		SchedulerInterval: raw.SchedulerInterval,
		UserAgent:         raw.UserAgent,
		HTTPTimeout:       raw.HTTPTimeout,
		KEVURL:            raw.KEVURL,
		KEVTTL:            raw.KEVTTL,
		EPSSURL:           raw.EPSSURL,
		EPSSRate:          raw.EPSSRate,
		EnrichWorkers:     raw.EnrichWorkers,
		EnrichBatchSize:   raw.EnrichBatchSize,
		QueueBackend:      raw.QueueBackend,
		KafkaBrokers:      slices.DeleteFunc(raw.KafkaBrokers, func(s string) bool { return s == "" }),
		KafkaTopic:        raw.KafkaTopic,
		KafkaGroup:        raw.KafkaGroup,
		CacheBackend:      raw.CacheBackend,
		RedisAddr:         raw.RedisAddr,
		RedisPassword:     raw.RedisPassword,
		ArchiveBucket:     raw.ArchiveBucket,
		ArchiveRegion:     raw.ArchiveRegion,
		ArchiveEndpoint:   raw.ArchiveEndpoint,
		ArchiveKeyID:      raw.ArchiveKeyID,
		ArchiveSecret:     raw.ArchiveSecret,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func (c *Cfg) validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.EnrichWorkers <= 0 {
		return fmt.Errorf("enrich workers must be positive")
	}
	if c.EnrichBatchSize <= 0 {
		return fmt.Errorf("enrich batch size must be positive")
	}
	if c.EPSSRate <= 0 {
		return fmt.Errorf("EPSS rate must be positive")
	}
	if c.QueueBackend == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka queue backend requires at least one broker")
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
