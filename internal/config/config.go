// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Server struct {
	Port             int           `mapstructure:"port"`
	Mode             string        `mapstructure:"mode"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	CORSEnabled      bool          `mapstructure:"cors_enabled"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
}

type Storage struct {
	Dir string `mapstructure:"dir"`
}

type Catalog struct {
	RootPath         string   `mapstructure:"root_path"`
	IncludeGlobs     []string `mapstructure:"include_globs"`
	ExcludeGlobs     []string `mapstructure:"exclude_globs"`
	OutputDir        string   `mapstructure:"output_dir"`
}

type Dispatcher struct {
	RegistryPoll     time.Duration `mapstructure:"registry_poll"`
	IdleScanInterval time.Duration `mapstructure:"idle_scan_interval"`
	UnknownBackendGrace time.Duration `mapstructure:"unknown_backend_grace"`
}

type Backoff struct {
	Base              time.Duration `mapstructure:"base"`
	Max               time.Duration `mapstructure:"max"`
	RandomizationFactor float64     `mapstructure:"randomization_factor"`
}

type Monitor struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxSubmitRetries  int           `mapstructure:"max_submit_retries"`
	MaxPollFailures   int           `mapstructure:"max_poll_failures"`
	MaxCollectRetries int           `mapstructure:"max_collect_retries"`
	SubmitBackoff     Backoff       `mapstructure:"submit_backoff"`
	CollectBackoff    Backoff       `mapstructure:"collect_backoff"`
	MinWallClockDeadline time.Duration `mapstructure:"min_wall_clock_deadline"`
	DeadlineMultiplier   float64    `mapstructure:"deadline_multiplier"`
}

type Push struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	BatchTimeout       time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type AdmissionConfig struct {
	RequireAuth      bool   `mapstructure:"require_auth"`
	RateLimitEnabled bool   `mapstructure:"rate_limit_enabled"`
	DefaultRateTier  string `mapstructure:"default_rate_tier"`
	HMACSecret       string `mapstructure:"hmac_secret"`
}

type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	RotateSize int64  `mapstructure:"rotate_size"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Config struct {
	Server         Server              `mapstructure:"server"`
	Storage        Storage             `mapstructure:"storage"`
	Catalog        Catalog             `mapstructure:"catalog"`
	Dispatcher     Dispatcher          `mapstructure:"dispatcher"`
	Monitor        Monitor             `mapstructure:"monitor"`
	Push           Push                `mapstructure:"push"`
	Redis          Redis               `mapstructure:"redis"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	Admission      AdmissionConfig     `mapstructure:"admission"`
	Audit          AuditConfig         `mapstructure:"audit"`
}

func defaultConfig() *Config {
	return &Config{
		Server: Server{
			Port:             8080,
			Mode:             "production",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			CORSEnabled:      false,
			CORSAllowOrigins: []string{"*"},
		},
		Storage: Storage{Dir: "./data"},
		Catalog: Catalog{
			RootPath:     "./models",
			IncludeGlobs: []string{"**/*"},
			ExcludeGlobs: []string{"**/*.tmp", "**/.DS_Store"},
			OutputDir:    "./output",
		},
		Dispatcher: Dispatcher{
			RegistryPoll:        5 * time.Second,
			IdleScanInterval:    500 * time.Millisecond,
			UnknownBackendGrace: 30 * time.Second,
		},
		Monitor: Monitor{
			PollInterval:         1 * time.Second,
			MaxSubmitRetries:     5,
			MaxPollFailures:      10,
			MaxCollectRetries:    3,
			SubmitBackoff:        Backoff{Base: 1 * time.Second, Max: 30 * time.Second, RandomizationFactor: 0.2},
			CollectBackoff:       Backoff{Base: 1 * time.Second, Max: 30 * time.Second, RandomizationFactor: 0.2},
			MinWallClockDeadline: 10 * time.Minute,
			DeadlineMultiplier:   2.0,
		},
		Push: Push{
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       60 * time.Second,
			SubscriberBuffer:  256,
		},
		Redis: Redis{Addr: ""},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
		},
		Observability: ObservabilityConfig{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Admission: AdmissionConfig{
			RequireAuth:      false,
			RateLimitEnabled: false,
			DefaultRateTier:  "standard",
			HMACSecret:       "",
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       "./data/audit.log",
			RotateSize: 10 * 1024 * 1024,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a YAML file, applying environment
// variable overrides (dots become underscores), and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.mode", def.Server.Mode)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.cors_enabled", def.Server.CORSEnabled)
	v.SetDefault("server.cors_allow_origins", def.Server.CORSAllowOrigins)

	v.SetDefault("storage.dir", def.Storage.Dir)

	v.SetDefault("catalog.root_path", def.Catalog.RootPath)
	v.SetDefault("catalog.include_globs", def.Catalog.IncludeGlobs)
	v.SetDefault("catalog.exclude_globs", def.Catalog.ExcludeGlobs)
	v.SetDefault("catalog.output_dir", def.Catalog.OutputDir)

	v.SetDefault("dispatcher.registry_poll", def.Dispatcher.RegistryPoll)
	v.SetDefault("dispatcher.idle_scan_interval", def.Dispatcher.IdleScanInterval)
	v.SetDefault("dispatcher.unknown_backend_grace", def.Dispatcher.UnknownBackendGrace)

	v.SetDefault("monitor.poll_interval", def.Monitor.PollInterval)
	v.SetDefault("monitor.max_submit_retries", def.Monitor.MaxSubmitRetries)
	v.SetDefault("monitor.max_poll_failures", def.Monitor.MaxPollFailures)
	v.SetDefault("monitor.max_collect_retries", def.Monitor.MaxCollectRetries)
	v.SetDefault("monitor.submit_backoff.base", def.Monitor.SubmitBackoff.Base)
	v.SetDefault("monitor.submit_backoff.max", def.Monitor.SubmitBackoff.Max)
	v.SetDefault("monitor.submit_backoff.randomization_factor", def.Monitor.SubmitBackoff.RandomizationFactor)
	v.SetDefault("monitor.collect_backoff.base", def.Monitor.CollectBackoff.Base)
	v.SetDefault("monitor.collect_backoff.max", def.Monitor.CollectBackoff.Max)
	v.SetDefault("monitor.collect_backoff.randomization_factor", def.Monitor.CollectBackoff.RandomizationFactor)
	v.SetDefault("monitor.min_wall_clock_deadline", def.Monitor.MinWallClockDeadline)
	v.SetDefault("monitor.deadline_multiplier", def.Monitor.DeadlineMultiplier)

	v.SetDefault("push.heartbeat_interval", def.Push.HeartbeatInterval)
	v.SetDefault("push.idle_timeout", def.Push.IdleTimeout)
	v.SetDefault("push.subscriber_buffer", def.Push.SubscriberBuffer)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.db", def.Redis.DB)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("admission.require_auth", def.Admission.RequireAuth)
	v.SetDefault("admission.rate_limit_enabled", def.Admission.RateLimitEnabled)
	v.SetDefault("admission.default_rate_tier", def.Admission.DefaultRateTier)
	v.SetDefault("admission.hmac_secret", def.Admission.HMACSecret)

	v.SetDefault("audit.enabled", def.Audit.Enabled)
	v.SetDefault("audit.path", def.Audit.Path)
	v.SetDefault("audit.rotate_size", def.Audit.RotateSize)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1..65535")
	}
	if cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must be set")
	}
	if cfg.Catalog.RootPath == "" {
		return fmt.Errorf("catalog.root_path must be set")
	}
	if cfg.Dispatcher.RegistryPoll <= 0 {
		return fmt.Errorf("dispatcher.registry_poll must be > 0")
	}
	if cfg.Dispatcher.IdleScanInterval <= 0 {
		return fmt.Errorf("dispatcher.idle_scan_interval must be > 0")
	}
	if cfg.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be > 0")
	}
	if cfg.Monitor.MaxSubmitRetries < 0 || cfg.Monitor.MaxPollFailures < 0 || cfg.Monitor.MaxCollectRetries < 0 {
		return fmt.Errorf("monitor retry limits must be >= 0")
	}
	if cfg.Push.IdleTimeout <= 0 {
		return fmt.Errorf("push.idle_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Admission.RequireAuth && cfg.Admission.HMACSecret == "" {
		return fmt.Errorf("admission.hmac_secret must be set when admission.require_auth is true")
	}
	return nil
}
