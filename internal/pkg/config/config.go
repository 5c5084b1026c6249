// Package config holds the immutable service configuration. It is parsed once
// at startup and passed to constructors explicitly.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	AppHost string `env:"APP_HOST" envDefault:"localhost"`
	AppPort string `env:"APP_PORT" envDefault:"4000"`
	AppEnv  string `env:"APP_ENV" envDefault:"prod"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:3000"`

	OperatorAPIKey string `env:"OPERATOR_API_KEY"`

	Database DatabaseConfig
	Stripe   StripeConfig
	Cache    CacheConfig
	Kafka    KafkaConfig
	Billing  BillingConfig
	Metrics  MetricsConfig
}

type DatabaseConfig struct {
	Driver   string `env:"DB_DRIVER" envDefault:"mysql"`
	Host     string `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port     string `env:"DB_PORT" envDefault:"3306"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`
	// URL is the libpq connection string used by the postgres driver.
	URL string `env:"DATABASE_URL"`
}

type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	Timeout       time.Duration `env:"STRIPE_TIMEOUT" envDefault:"15s"`
	// APIBaseURL overrides the Stripe API endpoint (stripe-mock, tests).
	APIBaseURL string `env:"STRIPE_API_BASE_URL"`
}

type CacheConfig struct {
	Host     string `env:"CACHE_HOST"`
	Port     string `env:"CACHE_PORT" envDefault:"6379"`
	Password string `env:"CACHE_PASSWORD"`
}

type KafkaConfig struct {
	BootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	PurchaseTopic    string `env:"KAFKA_PURCHASE_TOPIC" envDefault:"successful_payments"`
}

type BillingConfig struct {
	// PriceCatalog overrides the built-in catalog, e.g. "price_a:1000,price_b:500".
	PriceCatalog  string        `env:"PRICE_CATALOG"`
	CreditLockTTL time.Duration `env:"CREDIT_LOCK_TTL" envDefault:"30s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepGrace    time.Duration `env:"SWEEP_GRACE" envDefault:"2m"`
}

type MetricsConfig struct {
	User     string `env:"METRICS_USER"`
	Password string `env:"METRICS_PASSWORD"`
}

// Load parses the configuration from the given environment map.
func Load(environment map[string]string) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environment})
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase parses only the database settings, for tools like the
// migration CLI that run without Stripe credentials.
func LoadDatabase(environment map[string]string) (DatabaseConfig, error) {
	cfg, err := env.ParseAsWithOptions[DatabaseConfig](env.Options{Environment: environment})
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("parse database config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverMySQL:
	case DriverPostgres:
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for DB_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", d.Driver)
	}
	return nil
}

func (c Config) validate() error {
	if err := c.Database.validate(); err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid BASE_URL: %w", err)
	}
	return nil
}

func (c Config) IsDev() bool {
	return c.AppEnv == "dev"
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.AppHost, c.AppPort)
}

// SuccessURL is where Stripe sends the customer after a completed payment.
func (c Config) SuccessURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/dashboard?success=true"
}

// CancelURL is where Stripe sends the customer after an aborted payment.
func (c Config) CancelURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/dashboard?canceled=true"
}

// MySQLDSN returns the go-sql-driver DSN used by GORM.
func (d DatabaseConfig) MySQLDSN() string {
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// MigrateURL returns the golang-migrate database URL for the configured driver.
func (d DatabaseConfig) MigrateURL() string {
	if d.Driver == DriverPostgres {
		return d.URL
	}
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// Enabled reports whether a Redis endpoint is configured.
func (c CacheConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Enabled reports whether purchase events should be published.
func (k KafkaConfig) Enabled() bool {
	return strings.TrimSpace(k.BootstrapServers) != ""
}
