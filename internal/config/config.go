package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Events     EventsConfig     `mapstructure:"events"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	// Driver selects the budget store backend: postgres, sqlite, redis or memory.
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type AuthConfig struct {
	// MasterKey protects the admin API and is never mapped to a budget identity.
	MasterKey string `mapstructure:"master_key"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BudgetConfig struct {
	DefaultDailyLimit   float64               `mapstructure:"default_daily_limit"`
	DefaultMonthlyLimit float64               `mapstructure:"default_monthly_limit"`
	Timezone            string                `mapstructure:"timezone"`
	StoreTimeout        time.Duration         `mapstructure:"store_timeout"`
	StatsWindow         time.Duration         `mapstructure:"stats_window"`
	MonthlyRollover     MonthlyRolloverConfig `mapstructure:"monthly_rollover"`
}

type MonthlyRolloverConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Location resolves the reference timezone used for daily windows.
func (b BudgetConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid budget timezone %q: %w", b.Timezone, err)
	}
	return loc, nil
}

type ModelRate struct {
	Input  float64 `mapstructure:"input" yaml:"input" json:"input"`
	Output float64 `mapstructure:"output" yaml:"output" json:"output"`
}

type PricingConfig struct {
	// File is an optional YAML pricing table merged over the built-in defaults.
	File                string               `mapstructure:"file"`
	Models              map[string]ModelRate `mapstructure:"models"`
	Fallback            ModelRate            `mapstructure:"fallback"`
	ChargeUnknownModels bool                 `mapstructure:"charge_unknown_models"`
}

type IdentityConfig struct {
	// Resolvers is the ordered resolver chain: header, jwt, api_key, default.
	Resolvers   []string `mapstructure:"resolvers"`
	Headers     []string `mapstructure:"headers"`
	DefaultUser string   `mapstructure:"default_user"`
}

type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

// Load reads config.yaml from configPath (or the default search paths),
// environment variables and built-in defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/llmbudget")
	}

	setDefaults(v)

	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// Validate rejects configurations the budget engine cannot run with.
func (c *Config) Validate() error {
	if c.Budget.DefaultDailyLimit < 0 || c.Budget.DefaultMonthlyLimit < 0 {
		return fmt.Errorf("default budget limits must be >= 0")
	}
	if c.Pricing.Fallback.Input < 0 || c.Pricing.Fallback.Output < 0 {
		return fmt.Errorf("fallback pricing must be >= 0")
	}
	if _, err := c.Budget.Location(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "postgres", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_connections", 50)
	v.SetDefault("database.max_idle_connections", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.key_prefix", "llmbudget:")

	// Budget defaults
	v.SetDefault("budget.default_daily_limit", 10.0)
	v.SetDefault("budget.default_monthly_limit", 100.0)
	v.SetDefault("budget.timezone", "UTC")
	v.SetDefault("budget.store_timeout", "2s")
	v.SetDefault("budget.stats_window", "168h")
	v.SetDefault("budget.monthly_rollover.enabled", false)
	v.SetDefault("budget.monthly_rollover.schedule", "0 0 1 * *")

	// Pricing defaults
	v.SetDefault("pricing.fallback.input", 0.01)
	v.SetDefault("pricing.fallback.output", 0.03)
	v.SetDefault("pricing.charge_unknown_models", false)

	// Identity defaults
	v.SetDefault("identity.resolvers", []string{"header", "api_key", "default"})
	v.SetDefault("identity.headers", []string{"X-User-ID", "User-ID"})
	v.SetDefault("identity.default_user", "default_user")

	// Events defaults
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.channel", "budget_events")

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.service_name", "llmbudget")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type", "X-User-ID"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 300)
}

func bindEnvVars(v *viper.Viper) {
	// Server
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.metrics_port", "METRICS_PORT")

	// Database
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	_ = v.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")

	// Auth
	_ = v.BindEnv("auth.master_key", "LLMBUDGET_MASTER_KEY")
	_ = v.BindEnv("auth.jwt_secret", "LLMBUDGET_JWT_SECRET")

	// Budget
	_ = v.BindEnv("budget.default_daily_limit", "BUDGET_DEFAULT_DAILY_LIMIT")
	_ = v.BindEnv("budget.default_monthly_limit", "BUDGET_DEFAULT_MONTHLY_LIMIT")
	_ = v.BindEnv("budget.timezone", "BUDGET_TIMEZONE")
	_ = v.BindEnv("budget.store_timeout", "BUDGET_STORE_TIMEOUT")
	_ = v.BindEnv("budget.monthly_rollover.enabled", "BUDGET_MONTHLY_ROLLOVER_ENABLED")

	// Pricing
	_ = v.BindEnv("pricing.file", "PRICING_FILE")
	_ = v.BindEnv("pricing.charge_unknown_models", "PRICING_CHARGE_UNKNOWN_MODELS")

	// Identity
	_ = v.BindEnv("identity.default_user", "IDENTITY_DEFAULT_USER")

	// Events
	_ = v.BindEnv("events.enabled", "EVENTS_ENABLED")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

func Get() *Config {
	return cfg
}
