package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cartridge/expreplay/internal/storage"
)

const (
	MemoryExperienceReplay = "experience_replay"
	MemoryPrioritized      = "prioritized"
)

// Config holds all replay server configuration
type Config struct {
	// Listeners
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	// Memory settings
	MemoryType      string `mapstructure:"memory_type"`
	Granularity     string `mapstructure:"granularity"`
	MaxSize         int    `mapstructure:"max_size"`
	AllowDuplicates bool   `mapstructure:"allow_duplicates"`

	// Prioritized replay
	PriorityAlpha   float64 `mapstructure:"priority_alpha"`
	PriorityEpsilon float64 `mapstructure:"priority_epsilon"`
	PriorityBeta    float64 `mapstructure:"priority_beta"`

	// Health
	WarmupTransitions int           `mapstructure:"warmup_transitions"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`

	// Checkpoints
	CheckpointPath     string        `mapstructure:"checkpoint_path"`
	CheckpointName     string        `mapstructure:"checkpoint_name"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	RestoreOnStart     bool          `mapstructure:"restore_on_start"`

	// Events
	EventsNATSURL string `mapstructure:"events_nats_url"`
	EventsSubject string `mapstructure:"events_subject"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		MemoryType:         MemoryExperienceReplay,
		Granularity:        storage.GranularityTransitions.String(),
		MaxSize:            1000000,
		AllowDuplicates:    true,
		PriorityAlpha:      0.6,
		PriorityEpsilon:    1e-6,
		PriorityBeta:       0.4,
		WarmupTransitions:  0,
		HealthInterval:     15 * time.Second,
		CheckpointName:     "latest",
		CheckpointInterval: 0, // disabled
		EventsSubject:      "replay.events",
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           "info",
	}
}

// RegisterFlags adds a flag for every setting, defaulting to cfg
func RegisterFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.String("http-addr", cfg.HTTPAddr, "HTTP API listen address")
	flags.String("grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty to disable)")

	flags.String("memory-type", cfg.MemoryType, "Memory type (experience_replay, prioritized)")
	flags.String("granularity", cfg.Granularity, "Unit of max-size (transitions)")
	flags.Int("max-size", cfg.MaxSize, "Maximum number of transitions held (0 for unbounded)")
	flags.Bool("allow-duplicates", cfg.AllowDuplicates, "Sample with replacement")

	flags.Float64("priority-alpha", cfg.PriorityAlpha, "Prioritization exponent")
	flags.Float64("priority-epsilon", cfg.PriorityEpsilon, "Priority offset")
	flags.Float64("priority-beta", cfg.PriorityBeta, "Default importance sampling exponent")

	flags.Int("warmup-transitions", cfg.WarmupTransitions, "Transitions required before reporting SERVING")
	flags.Duration("health-interval", cfg.HealthInterval, "Health check interval")

	flags.String("checkpoint-path", cfg.CheckpointPath, "SQLite file or postgres:// URL for checkpoints (empty to disable)")
	flags.String("checkpoint-name", cfg.CheckpointName, "Checkpoint name used for automatic saves and restores")
	flags.Duration("checkpoint-interval", cfg.CheckpointInterval, "Automatic checkpoint interval (0 to disable)")
	flags.Bool("restore-on-start", cfg.RestoreOnStart, "Restore the named checkpoint at startup")

	flags.String("events-nats-url", cfg.EventsNATSURL, "NATS server for memory events (empty to disable)")
	flags.String("events-subject", cfg.EventsSubject, "NATS subject prefix for memory events")

	flags.Duration("shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	flags.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}

// Load resolves configuration from defaults, an optional config file,
// REPLAY_ environment variables and flags, in increasing precedence.
func Load(v *viper.Viper, flags *pflag.FlagSet, configFile string) (*Config, error) {
	cfg := Default()

	v.SetEnvPrefix("REPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.MemoryType != MemoryExperienceReplay && c.MemoryType != MemoryPrioritized {
		return fmt.Errorf("memory_type must be %s or %s", MemoryExperienceReplay, MemoryPrioritized)
	}
	if _, err := storage.ParseGranularity(c.Granularity); err != nil {
		return err
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("max_size must not be negative")
	}
	if c.PriorityAlpha < 0 {
		return fmt.Errorf("priority_alpha must not be negative")
	}
	if c.PriorityEpsilon <= 0 {
		return fmt.Errorf("priority_epsilon must be positive")
	}
	if c.PriorityBeta < 0 {
		return fmt.Errorf("priority_beta must not be negative")
	}
	if c.WarmupTransitions < 0 {
		return fmt.Errorf("warmup_transitions must not be negative")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive")
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint_interval must not be negative")
	}
	if c.CheckpointPath == "" && (c.CheckpointInterval > 0 || c.RestoreOnStart) {
		return fmt.Errorf("checkpoint_path is required when checkpoints are scheduled or restored")
	}
	if strings.TrimSpace(c.CheckpointName) == "" {
		return fmt.Errorf("checkpoint_name is required")
	}
	if c.EventsNATSURL != "" && strings.TrimSpace(c.EventsSubject) == "" {
		return fmt.Errorf("events_subject is required when events_nats_url is set")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Bound returns the configured memory bound
func (c *Config) Bound() (storage.MaxSize, error) {
	g, err := storage.ParseGranularity(c.Granularity)
	if err != nil {
		return storage.MaxSize{}, err
	}
	return storage.MaxSize{Granularity: g, Limit: c.MaxSize}, nil
}

// NewMemory builds the configured replay memory
func (c *Config) NewMemory() (storage.Memory, error) {
	bound, err := c.Bound()
	if err != nil {
		return nil, err
	}

	switch c.MemoryType {
	case MemoryPrioritized:
		memory, err := storage.NewPrioritizedReplay(storage.PrioritizedConfig{
			MaxSize:         bound,
			AllowDuplicates: c.AllowDuplicates,
			Alpha:           c.PriorityAlpha,
			Epsilon:         c.PriorityEpsilon,
		})
		if err != nil {
			return nil, err
		}
		return memory, nil
	case MemoryExperienceReplay:
		memory, err := storage.NewExperienceReplay(bound, c.AllowDuplicates)
		if err != nil {
			return nil, err
		}
		return memory, nil
	default:
		return nil, fmt.Errorf("%w: unknown memory type %q", storage.ErrConfiguration, c.MemoryType)
	}
}
