package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BILLING_DATABASE_URL.
const EnvPrefix = "BILLING"

// Config is the process configuration.
type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Auth     AuthConfig
	Billing  BillingConfig
	Notify   NotifyConfig
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the postgres pool.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the run lease backend. An empty Addr keeps leases in process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// AuthConfig configures bearer token validation. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string
}

// BillingConfig tunes the billing engine and scheduler.
type BillingConfig struct {
	Workers              int
	RunTimeout           time.Duration
	AggregationTolerance time.Duration
	InvoicePrefix        string
	DueDays              int
	LockTTL              time.Duration
	PollInterval         time.Duration
	PlanCacheTTL         time.Duration
	SchedulerEnabled     bool
}

// NotifyConfig configures the run webhook. An empty URL disables notifications.
type NotifyConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Retries    int
}

// Load reads defaults, then the optional YAML file at path, then BILLING_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Billing: BillingConfig{
			Workers:              v.GetInt("billing.workers"),
			RunTimeout:           v.GetDuration("billing.run_timeout"),
			AggregationTolerance: v.GetDuration("billing.aggregation_tolerance"),
			InvoicePrefix:        v.GetString("billing.invoice_prefix"),
			DueDays:              v.GetInt("billing.due_days"),
			LockTTL:              v.GetDuration("billing.lock_ttl"),
			PollInterval:         v.GetDuration("billing.poll_interval"),
			PlanCacheTTL:         v.GetDuration("billing.plan_cache_ttl"),
			SchedulerEnabled:     v.GetBool("billing.scheduler_enabled"),
		},
		Notify: NotifyConfig{
			WebhookURL: v.GetString("notify.webhook_url"),
			Timeout:    v.GetDuration("notify.timeout"),
			Retries:    v.GetInt("notify.retries"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 35*time.Minute)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "water-billing:lock:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("billing.workers", 4)
	v.SetDefault("billing.run_timeout", 30*time.Minute)
	v.SetDefault("billing.aggregation_tolerance", 5*time.Hour)
	v.SetDefault("billing.invoice_prefix", "INV")
	v.SetDefault("billing.due_days", 15)
	v.SetDefault("billing.lock_ttl", 0)
	v.SetDefault("billing.poll_interval", time.Minute)
	v.SetDefault("billing.plan_cache_ttl", time.Minute)
	v.SetDefault("billing.scheduler_enabled", true)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.retries", 3)
}

func (c *Config) validate() error {
	var errs []error
	if c.Billing.Workers < 1 {
		errs = append(errs, errors.New("billing.workers must be at least 1"))
	}
	if c.Billing.RunTimeout <= 0 {
		errs = append(errs, errors.New("billing.run_timeout must be positive"))
	}
	if c.Billing.DueDays < 0 {
		errs = append(errs, errors.New("billing.due_days must not be negative"))
	}
	if c.Billing.PollInterval <= 0 {
		errs = append(errs, errors.New("billing.poll_interval must be positive"))
	}
	if c.Notify.Retries < 0 {
		errs = append(errs, errors.New("notify.retries must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
