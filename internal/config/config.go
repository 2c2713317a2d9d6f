// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/htbase/archivist/internal/archive"
	"github.com/htbase/archivist/internal/queue/pubsub"
	"github.com/htbase/archivist/internal/storage/gcs"
	"github.com/htbase/archivist/internal/storage/local"
	"github.com/htbase/archivist/internal/storage/postgres"
)

// Storage backends selectable via storage.backend.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service knobs loaded via Viper.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Auth     AuthConfig              `mapstructure:"auth"`
	Storage  StorageConfig           `mapstructure:"storage"`
	DB       DBConfig                `mapstructure:"db"`
	Status   StatusConfig            `mapstructure:"status"`
	Queue    map[string]QueueConfig  `mapstructure:"queue"`
	Workers  map[string]WorkerConfig `mapstructure:"workers"`
	Fetch    FetchConfig             `mapstructure:"fetch"`
	Headless HeadlessConfig          `mapstructure:"headless"`
	Summary  SummaryConfig           `mapstructure:"summary"`
	PubSub   PubSubConfig            `mapstructure:"pubsub"`
	Logging  LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig selects the blob backend and sets artifact layout.
type StorageConfig struct {
	Backend          string       `mapstructure:"backend"`
	Prefix           string       `mapstructure:"prefix"`
	CompressMinBytes int          `mapstructure:"compress_min_bytes"`
	Local            local.Config `mapstructure:"local"`
	GCS              gcs.Config   `mapstructure:"gcs"`
}

// DBConfig controls access to the relational primary store. An empty DSN
// keeps the service on the in-memory store.
type DBConfig struct {
	Postgres       postgres.Config `mapstructure:"postgres"`
	ReplicaTimeout time.Duration   `mapstructure:"replica_timeout"`
}

// StatusConfig bounds the ephemeral status cache.
type StatusConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// QueueConfig shapes one kind's task queue. Entries in the queue map
// override the "default" entry per archiver kind; browser-backed kinds run
// long and carry a larger visibility timeout out of the box.
type QueueConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// WorkerConfig governs one kind's worker pool. Entries in the workers map
// override the "default" entry per archiver kind.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// FetchConfig configures the plain HTTP fetch path.
type FetchConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HeadlessConfig configures the shared browser renderer.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"nav_timeout"`
}

// SummaryConfig tunes the follow-on summarization task.
type SummaryConfig struct {
	Sentences int `mapstructure:"sentences"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Client  pubsub.Config `mapstructure:",squash"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "archives")
	v.SetDefault("storage.compress_min_bytes", 1024)
	v.SetDefault("storage.local.base_dir", "./data/artifacts")
	v.SetDefault("db.replica_timeout", "10s")
	v.SetDefault("status.ttl", "168h")
	v.SetDefault("status.purge_interval", "5m")
	v.SetDefault("queue.default.capacity", 64)
	v.SetDefault("queue.default.visibility_timeout", "120s")
	v.SetDefault("queue.monolith.visibility_timeout", "300s")
	v.SetDefault("queue.pdf.visibility_timeout", "300s")
	v.SetDefault("queue.screenshot.visibility_timeout", "300s")
	v.SetDefault("workers.default.concurrency", 2)
	v.SetDefault("workers.default.max_attempts", 3)
	v.SetDefault("workers.default.run_timeout", "60s")
	v.SetDefault("workers.default.backoff_initial", "2s")
	v.SetDefault("workers.default.backoff_max", "60s")
	v.SetDefault("fetch.user_agent", "archivist-bot/0.1")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("summary.sentences", 5)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	def, ok := c.Queue["default"]
	if !ok || def.Capacity <= 0 {
		return fmt.Errorf("queue.default.capacity must be > 0")
	}
	if def.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.default.visibility_timeout must be > 0")
	}
	for name, q := range c.Queue {
		if name != "default" && name != string(archive.KindSummarize) && !archive.Kind(name).Valid() {
			return fmt.Errorf("queue.%s is not a known archiver kind", name)
		}
		if q.Capacity < 0 || q.VisibilityTimeout < 0 {
			return fmt.Errorf("queue.%s values must be >= 0", name)
		}
	}
	for name, w := range c.Workers {
		if name != "default" && name != string(archive.KindSummarize) && !archive.Kind(name).Valid() {
			return fmt.Errorf("workers.%s is not a known archiver kind", name)
		}
		if w.Concurrency < 0 || w.MaxAttempts < 0 {
			return fmt.Errorf("workers.%s values must be >= 0", name)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Summary.Sentences <= 0 {
		return fmt.Errorf("summary.sentences must be > 0")
	}
	if c.PubSub.Enabled && c.PubSub.Client.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	return nil
}

// WorkerFor resolves the effective worker settings for one archiver kind,
// layering any per-kind override on top of the default entry.
func (c Config) WorkerFor(kind archive.Kind) WorkerConfig {
	w := c.Workers["default"]
	override, ok := c.Workers[string(kind)]
	if !ok {
		return w
	}
	if override.Concurrency > 0 {
		w.Concurrency = override.Concurrency
	}
	if override.MaxAttempts > 0 {
		w.MaxAttempts = override.MaxAttempts
	}
	if override.RunTimeout > 0 {
		w.RunTimeout = override.RunTimeout
	}
	if override.BackoffInitial > 0 {
		w.BackoffInitial = override.BackoffInitial
	}
	if override.BackoffMax > 0 {
		w.BackoffMax = override.BackoffMax
	}
	return w
}

// QueueFor resolves the effective queue settings for one archiver kind,
// layering any per-kind override on top of the default entry.
func (c Config) QueueFor(kind archive.Kind) QueueConfig {
	q := c.Queue["default"]
	override, ok := c.Queue[string(kind)]
	if !ok {
		return q
	}
	if override.Capacity > 0 {
		q.Capacity = override.Capacity
	}
	if override.VisibilityTimeout > 0 {
		q.VisibilityTimeout = override.VisibilityTimeout
	}
	return q
}

// Addr renders the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
