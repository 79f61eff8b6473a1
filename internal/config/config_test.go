package config

import (
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("admin.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.IngestWorkers != defaultIngestWorkers {
		t.Fatalf("unexpected worker count %d", cfg.IngestWorkers)
	}
	if cfg.IngestChunkSize != defaultIngestChunkSize {
		t.Fatalf("unexpected chunk size %d", cfg.IngestChunkSize)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing admin signing secret")
	}
}

func TestLoadRejectsNonPositiveIngestTuning(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{name: "workers", key: "ingest.workers"},
		{name: "chunk size", key: "ingest.chunk_size"},
		{name: "flush threshold", key: "ingest.flush_after"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("admin.signing_secret", "test-secret")
			configViper.Set(testCase.key, 0)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected error for non-positive %s", testCase.name)
			}
		})
	}
}

func TestLoadHonorsOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("admin.signing_secret", "test-secret")
	configViper.Set("http.address", "127.0.0.1:9000")
	configViper.Set("database.path", "/tmp/cache.db")
	configViper.Set("ingest.workers", 4)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "/tmp/cache.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.IngestWorkers != 4 {
		t.Fatalf("unexpected worker count %d", cfg.IngestWorkers)
	}
}
