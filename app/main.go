package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lysyi3m/threat-comb/app/api"
	"github.com/lysyi3m/threat-comb/app/archive"
	"github.com/lysyi3m/threat-comb/app/cache"
	"github.com/lysyi3m/threat-comb/app/cfg"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/enrich"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/ingest"
	"github.com/lysyi3m/threat-comb/app/queue"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

const (
	memoryQueueCapacity = 1000
	cachePurgeInterval  = time.Hour
)

func main() {
	appConfig, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appConfig == nil {
		return
	}

	logLevel := slog.LevelInfo
	if appConfig.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Threat Comb", "version", appConfig.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewConnection(appConfig.DBPath)
	if err != nil {
		fatal("Failed to connect to database", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		fatal("Failed to run migrations", err)
	}
	slog.Info("Database ready", "path", appConfig.DBPath, "schema_version", version, "dirty", dirty)

	configCache := feed.NewConfigCache(appConfig.FeedsDir)
	if err := configCache.Run(); err != nil {
		fatal("Failed to load feed configurations", err)
	}
	slog.Info("Feed configurations loaded", "count", configCache.GetConfigCount(), "dir", appConfig.FeedsDir)

	feedRepo := database.NewFeedRepository(db)
	itemRepo := database.NewItemRepository(db)

	kvCache, closeCache := newCache(ctx, appConfig, db)
	defer closeCache()

	httpClient := &http.Client{Timeout: appConfig.HTTPTimeout}

	kevClient := enrich.NewKEVClient(httpClient, appConfig.KEVURL, kvCache, appConfig.KEVTTL)
	epssClient := enrich.NewEPSSClient(httpClient, appConfig.EPSSURL, appConfig.EPSSRate)
	consumer := enrich.NewConsumer(itemRepo, kevClient, epssClient)

	var consumers sync.WaitGroup
	var publisher queue.Publisher

	switch appConfig.QueueBackend {
	case "kafka":
		kafkaPublisher, err := queue.NewKafkaPublisher(appConfig.KafkaBrokers, appConfig.KafkaTopic)
		if err != nil {
			fatal("Failed to create Kafka publisher", err)
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher

		for i := 0; i < appConfig.EnrichWorkers; i++ {
			kafkaConsumer, err := queue.NewKafkaConsumer(appConfig.KafkaBrokers, appConfig.KafkaTopic,
				appConfig.KafkaGroup, appConfig.EnrichBatchSize)
			if err != nil {
				fatal("Failed to create Kafka consumer", err)
			}
			defer kafkaConsumer.Close()

			consumers.Add(1)
			go func() {
				defer consumers.Done()
				if err := kafkaConsumer.Run(ctx, consumer.HandleBatch); err != nil {
					slog.Error("Kafka consumer stopped", "error", err)
				}
			}()
		}
		slog.Info("Enrichment queue ready", "backend", "kafka", "brokers", appConfig.KafkaBrokers, "topic", appConfig.KafkaTopic)
	default:
		memoryQueue := queue.NewMemory(memoryQueueCapacity, appConfig.EnrichWorkers, appConfig.EnrichBatchSize)
		publisher = memoryQueue

		consumers.Add(1)
		go func() {
			defer consumers.Done()
			memoryQueue.Run(ctx, consumer.HandleBatch)
		}()
		slog.Info("Enrichment queue ready", "backend", "memory", "workers", appConfig.EnrichWorkers)
	}

	var archiver archive.Archiver
	if appConfig.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3(ctx, archive.Config{
			Bucket:          appConfig.ArchiveBucket,
			Region:          appConfig.ArchiveRegion,
			Endpoint:        appConfig.ArchiveEndpoint,
			AccessKeyID:     appConfig.ArchiveKeyID,
			SecretAccessKey: appConfig.ArchiveSecret,
		})
		if err != nil {
			fatal("Failed to create feed archive", err)
		}
		archiver = s3Archiver
		slog.Info("Raw feed archive enabled", "bucket", appConfig.ArchiveBucket)
	}

	gate := ingest.NewGate(itemRepo, publisher)

	scheduler := tasks.NewScheduler(configCache, feedRepo, itemRepo, httpClient,
		feed.NewParser(), feed.NewFilterer(), feed.NewContentExtractor(), gate, archiver)
	slog.Info("Starting scheduler", "workers", appConfig.WorkerCount, "interval", appConfig.SchedulerInterval)
	scheduler.Start()

	handler := api.NewHandler(configCache, feedRepo, itemRepo, scheduler, publisher, appConfig.BaseUrl, appConfig.Version)
	server := api.NewServer(handler, appConfig.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appConfig.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appConfig.Port, "admin_api", appConfig.APIAccessKey != "")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	scheduler.Stop()
	cancel()
	consumers.Wait()

	slog.Info("Shutdown complete")
}

// newCache returns the configured key/value backend and its cleanup.
// The SQLite backend gets a background purge of expired entries.
func newCache(ctx context.Context, appConfig *cfg.Cfg, db *database.DB) (cache.Cache, func()) {
	if appConfig.CacheBackend == "redis" {
		redisCache, err := cache.NewRedis(ctx, appConfig.RedisAddr, appConfig.RedisPassword)
		if err != nil {
			fatal("Failed to connect to Redis", err)
		}
		slog.Info("Cache ready", "backend", "redis", "addr", appConfig.RedisAddr)
		return redisCache, func() { redisCache.Close() }
	}

	sqliteCache := cache.NewSQLite(database.NewKVRepository(db))
	go purgeCache(ctx, sqliteCache)

	slog.Info("Cache ready", "backend", "sqlite")
	return sqliteCache, func() {}
}

func purgeCache(ctx context.Context, c *cache.SQLite) {
	ticker := time.NewTicker(cachePurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Purge(ctx); err != nil {
				slog.Warn("Failed to purge cache", "error", err)
			} else if n > 0 {
				slog.Debug("Purged expired cache entries", "count", n)
			}
		}
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
