package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreDriver selects the relational store backend
type StoreDriver string

const (
	DriverSQLite StoreDriver = "sqlite3"
	DriverMySQL  StoreDriver = "mysql"
)

// StoreConfiguration for the relational data store
type StoreConfiguration struct {
	Driver StoreDriver `toml:"driver"`
	DSN    string      `toml:"dsn"`
	Tables []string    `toml:"tables"` // Monitored tables
}

// StreamConfiguration for the push change stream
type StreamConfiguration struct {
	NatsURL              string `toml:"nats_url"`
	SubjectPrefix        string `toml:"subject_prefix"`
	ServiceCredential    string `toml:"service_credential"`    // Elevated key, preferred
	RestrictedCredential string `toml:"restricted_credential"` // Fallback key
}

// WatchConfiguration controls change detection behavior
type WatchConfiguration struct {
	PollIntervalSeconds   int  `toml:"poll_interval_seconds"`
	PollEnabled           bool `toml:"poll_enabled"` // Poll even while the stream is connected
	PollBatchSize         int  `toml:"poll_batch_size"`
	PollErrorCooldownS    int  `toml:"poll_error_cooldown_seconds"`
	HealthIntervalSeconds int  `toml:"health_interval_seconds"`
	MaxConnectAttempts    int  `toml:"max_connect_attempts"`    // Direct connect retries
	MaxReconnectAttempts  int  `toml:"max_reconnect_attempts"`  // Background retry loop bound
	MaxSupervisorAttempts int  `toml:"max_supervisor_attempts"` // Supervisor escalation bound
	HealthFailThreshold   int  `toml:"health_fail_threshold"`   // Consecutive failures before alerting
	SubscribeTimeoutS     int  `toml:"subscribe_timeout_seconds"`
}

// NotifyConfiguration controls delivery behavior
type NotifyConfiguration struct {
	ChunkSize          int `toml:"chunk_size"`
	DestinationDelayMS int `toml:"destination_delay_ms"` // Between destinations
	AdminDelayMS       int `toml:"admin_delay_ms"`       // Between administrators
	AdminRetries       int `toml:"admin_retries"`
	DedupTTLSeconds    int `toml:"dedup_ttl_seconds"` // 0 disables cross-path dedup
	DedupSize          int `toml:"dedup_size"`
}

// CacheConfiguration controls the read-query cache
type CacheConfiguration struct {
	MaxSize    int `toml:"max_size"`
	TTLSeconds int `toml:"ttl_seconds"`
	SweepS     int `toml:"sweep_interval_seconds"`
}

// DirectoryConfiguration for subscription persistence
type DirectoryConfiguration struct {
	File string `toml:"file"`
}

// CommandConfiguration controls the command router
type CommandConfiguration struct {
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
	RecentLimit        int `toml:"recent_limit"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the operational HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
}

// Configuration is the main configuration structure. It is constructed by
// Load and passed by reference into each component; nothing reads it through
// a package global.
type Configuration struct {
	InstanceID    uint64   `toml:"instance_id"`
	DataDir       string   `toml:"data_dir"`
	SuperadminIDs []string `toml:"superadmin_ids"`

	Store      StoreConfiguration      `toml:"store"`
	Stream     StreamConfiguration     `toml:"stream"`
	Watch      WatchConfiguration      `toml:"watch"`
	Notify     NotifyConfiguration     `toml:"notify"`
	Cache      CacheConfiguration      `toml:"cache"`
	Directory  DirectoryConfiguration  `toml:"directory"`
	Commands   CommandConfiguration    `toml:"commands"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	PollFlag       = flag.Bool("poll", false, "Force polling on (overrides config)")
	AdminBindFlag  = flag.String("admin-bind", "", "Admin HTTP bind address (overrides config)")
)

// Default returns the compiled-in defaults. Load decodes a file over this.
func Default() *Configuration {
	return &Configuration{
		DataDir: "./rowwatch-data",

		Store: StoreConfiguration{
			Driver: DriverSQLite,
		},

		Stream: StreamConfiguration{
			NatsURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "rowwatch.inserts",
		},

		Watch: WatchConfiguration{
			PollIntervalSeconds:   120,
			PollEnabled:           false,
			PollBatchSize:         100,
			PollErrorCooldownS:    60,
			HealthIntervalSeconds: 5,
			MaxConnectAttempts:    10,
			MaxReconnectAttempts:  20,
			MaxSupervisorAttempts: 5,
			HealthFailThreshold:   3,
			SubscribeTimeoutS:     30,
		},

		Notify: NotifyConfiguration{
			ChunkSize:          4000,
			DestinationDelayMS: 2000,
			AdminDelayMS:       1000,
			AdminRetries:       3,
			DedupTTLSeconds:    600,
			DedupSize:          4096,
		},

		Cache: CacheConfiguration{
			MaxSize:    1000,
			TTLSeconds: 600,
			SweepS:     600,
		},

		Directory: DirectoryConfiguration{
			File: "group_subscriptions.json",
		},

		Commands: CommandConfiguration{
			RateLimitPerMinute: 10,
			RecentLimit:        5,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1:8980",
		},
	}
}

// Load reads configuration from file over the defaults and applies CLI overrides.
func Load(configPath string) (*Configuration, error) {
	config := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, config); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		config.DataDir = *DataDirFlag
	}
	if *PollFlag {
		config.Watch.PollEnabled = true
	}
	if *AdminBindFlag != "" {
		config.Admin.BindAddress = *AdminBindFlag
	}

	// Auto-generate instance ID if not set
	if config.InstanceID == 0 {
		id, err := generateInstanceID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate instance ID: %w", err)
		}
		config.InstanceID = id
		log.Info().Uint64("instance_id", config.InstanceID).Msg("Auto-generated instance ID")
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return config, nil
}

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("rowwatch")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors. Required fields are never
// silently defaulted; a bad config fails the boot.
func (c *Configuration) Validate() error {
	if c.Store.Driver != DriverSQLite && c.Store.Driver != DriverMySQL {
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	if c.Store.DSN == "" {
		return fmt.Errorf("store DSN is required")
	}

	if len(c.Store.Tables) == 0 {
		return fmt.Errorf("at least one monitored table is required")
	}
	for _, table := range c.Store.Tables {
		if table == "" {
			return fmt.Errorf("monitored table names must not be empty")
		}
	}

	if len(c.SuperadminIDs) == 0 {
		return fmt.Errorf("at least one superadmin ID is required")
	}

	if c.Stream.NatsURL == "" {
		return fmt.Errorf("stream nats_url is required")
	}

	if c.Watch.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll interval must be >= 1 second")
	}

	if c.Watch.PollBatchSize < 1 {
		return fmt.Errorf("poll batch size must be >= 1")
	}

	if c.Watch.HealthIntervalSeconds < 1 {
		return fmt.Errorf("health interval must be >= 1 second")
	}

	if c.Watch.MaxConnectAttempts < 1 {
		return fmt.Errorf("max connect attempts must be >= 1")
	}

	if c.Watch.SubscribeTimeoutS < 1 {
		return fmt.Errorf("subscribe timeout must be >= 1 second")
	}

	if c.Notify.ChunkSize < 64 {
		return fmt.Errorf("notify chunk size must be >= 64")
	}

	if c.Notify.AdminRetries < 1 {
		return fmt.Errorf("admin retries must be >= 1")
	}

	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("cache max size must be >= 1")
	}

	if c.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache TTL must be >= 1 second")
	}

	if c.Directory.File == "" {
		return fmt.Errorf("directory file is required")
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}
