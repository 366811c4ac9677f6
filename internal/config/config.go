package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Master    MasterConfig    `mapstructure:"master"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type MasterConfig struct {
	Path string `mapstructure:"path"`
}

// RegistryConfig points at the database that holds slave metadata,
// per-slave cursors and the sync log.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	Workers               int      `mapstructure:"workers"`
	BatchSize             int      `mapstructure:"batch_size"`
	QueueSize             int      `mapstructure:"queue_size"`
	EnableChangeDetection bool     `mapstructure:"enable_change_detection"`
	ValidateAfterSync     bool     `mapstructure:"validate_after_sync"`
	CompareContent        bool     `mapstructure:"compare_content"`
	ApplyTimeout          string   `mapstructure:"apply_timeout"`
	MaxRetries            int      `mapstructure:"max_retries"`
	DispatchInterval      string   `mapstructure:"dispatch_interval"`
	IgnoredTables         []string `mapstructure:"ignored_tables"`
}

func (s SyncConfig) GetApplyTimeout() time.Duration {
	d, err := time.ParseDuration(s.ApplyTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (s SyncConfig) GetDispatchInterval() time.Duration {
	d, err := time.ParseDuration(s.DispatchInterval)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("master.path", "data/master.db")
	v.SetDefault("registry.path", "data/registry.db")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.batch_size", 500)
	v.SetDefault("sync.queue_size", 64)
	v.SetDefault("sync.enable_change_detection", true)
	v.SetDefault("sync.validate_after_sync", false)
	v.SetDefault("sync.compare_content", false)
	v.SetDefault("sync.apply_timeout", "30s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.dispatch_interval", "500ms")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 60s")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults plus env cover it.
		if !errors.Is(err, os.ErrNotExist) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Master.Path == "" {
		return fmt.Errorf("master.path must be set")
	}
	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path must be set")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1, got %d", c.Sync.BatchSize)
	}
	return nil
}
