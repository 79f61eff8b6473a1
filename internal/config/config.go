package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "FAEXPORTDB"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "faexport.db"
	defaultLogLevel         = "info"
	defaultIngestWorkers    = 10
	defaultIngestChunkSize  = 500
	defaultIngestFlushAfter = 1000
)

// AppConfig captures runtime configuration for the cache database service.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AdminSigningSecret string
	IngestWorkers      int
	IngestChunkSize    int
	IngestFlushAfter   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("ingest.workers", defaultIngestWorkers)
	configViper.SetDefault("ingest.chunk_size", defaultIngestChunkSize)
	configViper.SetDefault("ingest.flush_after", defaultIngestFlushAfter)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		IngestWorkers:      configViper.GetInt("ingest.workers"),
		IngestChunkSize:    configViper.GetInt("ingest.chunk_size"),
		IngestFlushAfter:   configViper.GetInt("ingest.flush_after"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.IngestChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be positive")
	}
	if c.IngestFlushAfter <= 0 {
		return fmt.Errorf("ingest.flush_after must be positive")
	}
	return nil
}
