package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Signals   SignalsConfig   `yaml:"signals" mapstructure:"signals"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" mapstructure:"lifecycle"`
	Candidate CandidateConfig `yaml:"candidate" mapstructure:"candidate"`
	Recompute RecomputeConfig `yaml:"recompute" mapstructure:"recompute"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SignalsConfig configures the component scorers.
type SignalsConfig struct {
	Text  ScorerConfig `yaml:"text" mapstructure:"text"`
	Image ScorerConfig `yaml:"image" mapstructure:"image"`
	Color ScorerConfig `yaml:"color" mapstructure:"color"`

	// Geo and time proximity are computed locally from report fields.
	GeoMaxDistanceM float64 `yaml:"geo_max_distance_m" mapstructure:"geo_max_distance_m"`
	TimeHorizonDays int     `yaml:"time_horizon_days" mapstructure:"time_horizon_days"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeoutSecs int `yaml:"breaker_reset_timeout_secs" mapstructure:"breaker_reset_timeout_secs"`
}

// ScorerConfig configures one external HTTP component scorer. An empty
// endpoint disables the scorer; its signal reports as unavailable.
type ScorerConfig struct {
	Endpoint       string  `yaml:"endpoint" mapstructure:"endpoint"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// Timeout returns the per-call timeout.
func (c ScorerConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// LifecycleConfig holds the automatic transition thresholds.
type LifecycleConfig struct {
	PromoteThreshold  float64 `yaml:"promote_threshold" mapstructure:"promote_threshold"`
	SuppressThreshold float64 `yaml:"suppress_threshold" mapstructure:"suppress_threshold"`
}

// CandidateConfig configures candidate generation bounds.
type CandidateConfig struct {
	SearchRadiusM   float64             `yaml:"search_radius_m" mapstructure:"search_radius_m"`
	TimeHorizonDays int                 `yaml:"time_horizon_days" mapstructure:"time_horizon_days"`
	MaxCandidates   int                 `yaml:"max_candidates" mapstructure:"max_candidates"`
	Concurrency     int                 `yaml:"concurrency" mapstructure:"concurrency"`
	CategoryAliases map[string][]string `yaml:"category_aliases" mapstructure:"category_aliases"`
}

// RecomputeConfig configures the reconciliation coordinator.
type RecomputeConfig struct {
	MaxWriteAttempts  int     `yaml:"max_write_attempts" mapstructure:"max_write_attempts"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	BatchWritesPerSec float64 `yaml:"batch_writes_per_sec" mapstructure:"batch_writes_per_sec"`
	BatchWriteBurst   int     `yaml:"batch_write_burst" mapstructure:"batch_write_burst"`
	BatchPageSize     int     `yaml:"batch_page_size" mapstructure:"batch_page_size"`
}

// AuditConfig selects where transition audit entries go.
type AuditConfig struct {
	// Sink is "log", "store", or "both".
	Sink string `yaml:"sink" mapstructure:"sink"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxBackgroundTasks int      `yaml:"max_background_tasks" mapstructure:"max_background_tasks"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the configuration for the given run mode. Store
// settings are always checked; mode-specific sections only when the mode
// uses them.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if c.Lifecycle.PromoteThreshold < 0 || c.Lifecycle.PromoteThreshold > 1 ||
		c.Lifecycle.SuppressThreshold < 0 || c.Lifecycle.SuppressThreshold > 1 ||
		c.Lifecycle.SuppressThreshold >= c.Lifecycle.PromoteThreshold {
		problems = append(problems, "lifecycle thresholds must satisfy 0 <= suppress < promote <= 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Candidate.Concurrency < 1 || c.Candidate.Concurrency > 64 {
			problems = append(problems, "candidate.concurrency must be between 1 and 64")
		}
		if c.Recompute.Concurrency < 1 || c.Recompute.Concurrency > 64 {
			problems = append(problems, "recompute.concurrency must be between 1 and 64")
		}
	case "migrate", "sweep", "rescore", "weights":
		// Store checks above are sufficient.
	default:
		problems = append(problems, "unknown mode "+mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "match-engine.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("signals.text.timeout_secs", 5)
	v.SetDefault("signals.text.requests_per_sec", 20)
	v.SetDefault("signals.text.burst", 10)
	v.SetDefault("signals.text.max_retries", 2)
	v.SetDefault("signals.image.timeout_secs", 10)
	v.SetDefault("signals.image.requests_per_sec", 10)
	v.SetDefault("signals.image.burst", 5)
	v.SetDefault("signals.image.max_retries", 2)
	v.SetDefault("signals.color.timeout_secs", 5)
	v.SetDefault("signals.color.requests_per_sec", 10)
	v.SetDefault("signals.color.burst", 5)
	v.SetDefault("signals.color.max_retries", 2)
	v.SetDefault("signals.geo_max_distance_m", 10000)
	v.SetDefault("signals.time_horizon_days", 30)
	v.SetDefault("signals.breaker_failure_threshold", 5)
	v.SetDefault("signals.breaker_reset_timeout_secs", 30)
	v.SetDefault("lifecycle.promote_threshold", 0.85)
	v.SetDefault("lifecycle.suppress_threshold", 0.15)
	v.SetDefault("candidate.search_radius_m", 25000)
	v.SetDefault("candidate.time_horizon_days", 30)
	v.SetDefault("candidate.max_candidates", 200)
	v.SetDefault("candidate.concurrency", 8)
	v.SetDefault("recompute.max_write_attempts", 5)
	v.SetDefault("recompute.concurrency", 8)
	v.SetDefault("recompute.batch_writes_per_sec", 50)
	v.SetDefault("recompute.batch_write_burst", 10)
	v.SetDefault("recompute.batch_page_size", 200)
	v.SetDefault("audit.sink", "both")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_background_tasks", 16)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
