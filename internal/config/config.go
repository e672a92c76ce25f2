// Package config loads the scheduler's runtime configuration from a YAML
// file, with environment-variable overrides, using Viper — grounded on
// the teacher's internal/config.Load (SetConfigName/AddConfigPath/
// SetEnvPrefix/AutomaticEnv/Unmarshal pattern). File formats themselves
// are out of scope per spec's Non-goals; this package only defines the
// Go-side shape and loading mechanics.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pipelinesched/pipelinesched/pkg/sched/breaker"
	schederrors "github.com/pipelinesched/pipelinesched/pkg/sched/errors"
	"github.com/pipelinesched/pipelinesched/pkg/sched/health"
	"github.com/pipelinesched/pipelinesched/pkg/sched/optimizer"
	"github.com/pipelinesched/pipelinesched/pkg/sched/respcenter"
)

// Config is the complete, file-loadable scheduler configuration.
type Config struct {
	LoadBalancer  LoadBalancerConfig  `yaml:"loadBalancer"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	ErrorResponse ErrorResponseConfig `yaml:"errorResponse"`
	Optimizer     OptimizerConfig     `yaml:"optimizer"`
	Logging       LoggingConfig       `yaml:"logging"`
	Pipelines     []PipelineConfig    `yaml:"pipelines"`
}

// LoadBalancerConfig mirrors spec §6's loadBalancer.* options.
type LoadBalancerConfig struct {
	Strategy            string        `yaml:"strategy"`
	EnableLoadBalancing bool          `yaml:"enableLoadBalancing"`
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
}

// SchedulerConfig mirrors spec §6's scheduler.* options.
type SchedulerConfig struct {
	DefaultTimeout    time.Duration          `yaml:"defaultTimeout"`
	MaxRetries        int                    `yaml:"maxRetries"`
	DefaultRetryDelay time.Duration          `yaml:"defaultRetryDelay"`
	BlacklistConfig   BlacklistConfigSection `yaml:"blacklistConfig"`
}

// BlacklistConfigSection mirrors spec §6's scheduler.blacklistConfig.*.
type BlacklistConfigSection struct {
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// CircuitBreakerConfig mirrors spec §6's circuitBreaker.* options.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout"`
}

// ErrorResponseConfig mirrors spec §6's errorResponse.* options.
type ErrorResponseConfig struct {
	RecoveryActionTimeout time.Duration `yaml:"recoveryActionTimeout"`
	MaxErrorHistorySize   int           `yaml:"maxErrorHistorySize"`
	ErrorCleanupInterval  time.Duration `yaml:"errorCleanupInterval"`
}

// OptimizerConfig mirrors spec §6's optimizer.* options.
type OptimizerConfig struct {
	EnableCaching      bool          `yaml:"enableCaching"`
	CacheTTL           time.Duration `yaml:"cacheTTL"`
	EnableConcurrency  bool          `yaml:"enableConcurrency"`
	MaxConcurrency     int           `yaml:"maxConcurrency"`
	QueueHighWatermark int           `yaml:"queueHighWatermark"`
	UseRateLimiter     bool          `yaml:"useRateLimiter"`
	EnableBatching     bool          `yaml:"enableBatching"`
	BatchSize          int           `yaml:"batchSize"`
	BatchTimeout       time.Duration `yaml:"batchTimeout"`
	RedisAddr          string        `yaml:"redisAddr"` // not projected by OptimizerRuntimeConfig; the scheduler always uses the in-memory cache
}

// LogLevel is the recognized set of structured-logging verbosity levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggingConfig mirrors the ambient logging stack spec.md's distillation
// omitted but every complete scheduler deployment needs.
type LoggingConfig struct {
	Level  LogLevel `yaml:"level"`
	Format string   `yaml:"format"` // "json" or "text"
}

// PipelineConfig is one statically-configured pipeline descriptor. Which
// concrete Instance/Responder backs it is a wiring decision left to
// cmd/pipelinectl (spec.md treats pipeline instances as out-of-scope).
type PipelineConfig struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Type           string        `yaml:"type"`
	Enabled        bool          `yaml:"enabled"`
	Priority       int           `yaml:"priority"`
	Weight         float64       `yaml:"weight"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
}

// Default returns the spec §6 default configuration.
func Default() *Config {
	return &Config{
		LoadBalancer: LoadBalancerConfig{
			Strategy:            "round_robin",
			EnableLoadBalancing: true,
			HealthCheckInterval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			DefaultTimeout:    30 * time.Second,
			MaxRetries:        3,
			DefaultRetryDelay: 0,
			BlacklistConfig:   BlacklistConfigSection{CleanupInterval: 60 * time.Second},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		ErrorResponse: ErrorResponseConfig{
			RecoveryActionTimeout: 30 * time.Second,
			MaxErrorHistorySize:   1000,
			ErrorCleanupInterval:  5 * time.Minute,
		},
		Optimizer: OptimizerConfig{
			EnableCaching:      false,
			CacheTTL:           5 * time.Minute,
			EnableConcurrency:  false,
			MaxConcurrency:     16,
			QueueHighWatermark: 256,
		},
		Logging: LoggingConfig{Level: LogLevelInfo, Format: "json"},
	}
}

// Load reads configuration from configFile (or standard search paths if
// empty), overlays PIPESCHED_-prefixed environment variables, and
// unmarshals into a Config seeded with Default() values.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("pipelinesched")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.pipelinesched")
		v.AddConfigPath("/etc/pipelinesched")
	}

	v.SetEnvPrefix("PIPESCHED")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks structural invariants a malformed config file could
// violate.
func (c *Config) Validate() error {
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.maxRetries must be >= 0, got %d", c.Scheduler.MaxRetries)
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuitBreaker.failureThreshold must be > 0, got %d", c.CircuitBreaker.FailureThreshold)
	}
	seen := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("pipeline descriptor missing id: %+v", p)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate pipeline id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// HealthConfig projects the loaded config onto health.Config.
func (c *Config) HealthConfig() health.Config {
	cfg := health.DefaultConfig()
	cfg.HealthCheckInterval = c.LoadBalancer.HealthCheckInterval
	return cfg
}

// BreakerConfig projects the loaded config onto breaker.Config.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  c.CircuitBreaker.RecoveryTimeout,
	}
}

// PolicyConfig projects the loaded config onto errors.PolicyConfig,
// keeping the defaults for fields spec §6 doesn't expose per-deployment.
func (c *Config) PolicyConfig() schederrors.PolicyConfig {
	return schederrors.DefaultPolicyConfig()
}

// RespCenterConfig projects the loaded config onto respcenter.Config.
func (c *Config) RespCenterConfig() respcenter.Config {
	return respcenter.Config{
		RecoveryActionTimeout: c.ErrorResponse.RecoveryActionTimeout,
		MaxErrorHistorySize:   c.ErrorResponse.MaxErrorHistorySize,
		ErrorCleanupInterval:  c.ErrorResponse.ErrorCleanupInterval,
	}
}

// OptimizerRuntimeConfig projects the loaded config onto optimizer.Config.
func (c *Config) OptimizerRuntimeConfig() optimizer.Config {
	o := c.Optimizer
	return optimizer.Config{
		EnableCaching:      o.EnableCaching,
		CacheTTL:           o.CacheTTL,
		EnableConcurrency:  o.EnableConcurrency,
		MaxConcurrency:     o.MaxConcurrency,
		QueueHighWatermark: o.QueueHighWatermark,
		UseRateLimiter:     o.UseRateLimiter,
		EnableBatching:     o.EnableBatching,
		BatchSize:          o.BatchSize,
		BatchTimeout:       o.BatchTimeout,
	}
}

// BlacklistCleanupInterval returns the configured sweep cadence.
func (c *Config) BlacklistCleanupInterval() time.Duration {
	return c.Scheduler.BlacklistConfig.CleanupInterval
}
