// Package config loads the billsyncd configuration from a YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Storage drivers accepted in Config.Storage.Driver.
const (
	DriverMemory    = "memory"
	DriverRedis     = "redis"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// Config is the full daemon configuration.
type Config struct {
	Env       string     `yaml:"env" env:"BILLSYNC_ENV" env-default:"local"`
	LogLevel  string     `yaml:"log_level" env:"BILLSYNC_LOG_LEVEL" env-default:"info"`
	HTTP      HTTPServer `yaml:"http_server"`
	Stripe    Stripe     `yaml:"stripe"`
	Storage   Storage    `yaml:"storage"`
	Redis     Redis      `yaml:"redis"`
	Postgres  Postgres   `yaml:"postgres"`
	Firestore Firestore  `yaml:"firestore"`
	Engine    Engine     `yaml:"engine"`
}

// HTTPServer configures the listener.
type HTTPServer struct {
	Address         string        `yaml:"address" env:"BILLSYNC_HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"15s"`
	UserIDHeader    string        `yaml:"user_id_header" env:"BILLSYNC_USER_ID_HEADER" env-default:"X-User-ID"`
}

// Stripe holds processor credentials and checkout redirects.
type Stripe struct {
	APIKey           string        `yaml:"api_key" env:"STRIPE_API_KEY"`
	WebhookSecret    string        `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance" env-default:"5m"`
	BackendURL       string        `yaml:"backend_url" env:"STRIPE_BACKEND_URL"`
	SuccessURL       string        `yaml:"success_url" env:"BILLSYNC_SUCCESS_URL"`
	CancelURL        string        `yaml:"cancel_url" env:"BILLSYNC_CANCEL_URL"`
}

// Storage selects the record store.
type Storage struct {
	Driver string `yaml:"driver" env:"BILLSYNC_STORAGE" env-default:"memory"`

	CircuitBreaker         bool          `yaml:"circuit_breaker" env-default:"true"`
	CircuitBreakerFailures int           `yaml:"circuit_breaker_failures" env-default:"5"`
	CircuitBreakerReset    time.Duration `yaml:"circuit_breaker_reset" env-default:"30s"`
}

// Redis configures the redis driver.
type Redis struct {
	Address   string        `yaml:"address" env:"REDIS_ADDRESS" env-default:"localhost:6379"`
	Password  string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int           `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string        `yaml:"key_prefix" env-default:"billsync:"`
	AuditTTL  time.Duration `yaml:"audit_ttl"`
}

// Postgres configures the postgres driver.
type Postgres struct {
	ConnectionString string        `yaml:"connection_string" env:"POSTGRES_DSN"`
	MaxConns         int32         `yaml:"max_conns" env-default:"10"`
	AutoMigrate      bool          `yaml:"auto_migrate" env-default:"true"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" env-default:"1h"`
}

// Firestore configures the firestore driver.
type Firestore struct {
	ProjectID         string `yaml:"project_id" env:"FIRESTORE_PROJECT_ID"`
	RecordsCollection string `yaml:"records_collection" env-default:"billing_records"`
}

// Engine tunes reconciliation.
type Engine struct {
	DedupTTL         time.Duration `yaml:"dedup_ttl" env-default:"72h"`
	MaxAttempts      int           `yaml:"max_attempts" env-default:"5"`
	OperationTimeout time.Duration `yaml:"operation_timeout" env-default:"5s"`
	MetricsNamespace string        `yaml:"metrics_namespace" env-default:"billsync"`
}

// Load reads the file at path, if any, then applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads the file named by CONFIG_PATH and panics on failure.
func MustLoad() *Config {
	cfg, err := Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.Stripe.APIKey == "" {
		return fmt.Errorf("stripe api key is required")
	}
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Postgres.ConnectionString == "" {
			return fmt.Errorf("postgres connection string is required")
		}
	case DriverFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore project id is required")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"HTTP: %s (read %s, write %s)\n"+
			"Storage: %s\n"+
			"Stripe: key %s, webhook secret %s\n",
		c.Env,
		c.HTTP.Address, c.HTTP.ReadTimeout, c.HTTP.WriteTimeout,
		c.Storage.Driver,
		mask(c.Stripe.APIKey), mask(c.Stripe.WebhookSecret),
	)
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
