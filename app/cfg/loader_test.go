package cfg

import (
	"testing"
	"time"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}
}

func TestLoadArgsDefaults(t *testing.T) {
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.DBPath != "./data/threat-comb.db" {
		t.Errorf("Expected default DB path, got '%s'", cfg.DBPath)
	}
	if cfg.KEVTTL != 12*time.Hour {
		t.Errorf("Expected KEV TTL 12h, got %s", cfg.KEVTTL)
	}
	if cfg.QueueBackend != "memory" {
		t.Errorf("Expected memory queue backend, got '%s'", cfg.QueueBackend)
	}
	if cfg.CacheBackend != "sqlite" {
		t.Errorf("Expected sqlite cache backend, got '%s'", cfg.CacheBackend)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("Expected HTTP timeout 30s, got %s", cfg.HTTPTimeout)
	}
	if Get() != cfg {
		t.Error("Expected Get to return the loaded configuration")
	}
}

func TestLoadArgsFromEnvironment(t *testing.T) {
	t.Setenv("WORKER_COUNT", "9")
	t.Setenv("KEV_TTL", "6h")
	t.Setenv("QUEUE_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.WorkerCount != 9 {
		t.Errorf("Expected worker count 9, got %d", cfg.WorkerCount)
	}
	if cfg.KEVTTL != 6*time.Hour {
		t.Errorf("Expected KEV TTL 6h, got %s", cfg.KEVTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("Expected two kafka brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadArgsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero workers", []string{"--worker-count", "0"}},
		{"negative interval", []string{"--scheduler-interval", "-5"}},
		{"kafka without brokers", []string{"--queue-backend", "kafka"}},
		{"unknown cache backend", []string{"--cache-backend", "memcached"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KAFKA_BROKERS", "")
			if _, err := LoadArgs(tt.args); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}
