// Package config provides configuration loading for the billing service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Billing  BillingConfig  `mapstructure:"billing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
	// AllowedOrigins lists browser origins permitted by CORS.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BillingConfig holds processor, tax service and identity store settings.
type BillingConfig struct {
	// ProcessorKey is the payment processor secret key (sk_test_ / sk_live_).
	ProcessorKey string `mapstructure:"processor_key"`
	// WebhookSecret verifies processor-signed webhook payloads.
	WebhookSecret string `mapstructure:"webhook_secret"`
	// TaxKey authenticates against the tax-calculation service. When empty,
	// tax transactions are skipped entirely.
	TaxKey string `mapstructure:"tax_key"`
	// TaxBaseURL is the tax service endpoint.
	TaxBaseURL string `mapstructure:"tax_base_url"`
	// SessionURL is the identity store's session-introspection endpoint.
	SessionURL string `mapstructure:"session_url"`

	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	TaxTimeout     time.Duration `mapstructure:"tax_timeout"`

	// CreditUnitAmount is the price of one prepaid credit in minor currency
	// units, in CreditCurrency.
	CreditUnitAmount int64  `mapstructure:"credit_unit_amount"`
	CreditCurrency   string `mapstructure:"credit_currency"`

	// UniversalPricing means displayed prices already include tax, so the
	// tax percentage passed to the processor is always 0.
	UniversalPricing bool `mapstructure:"universal_pricing"`
	// EuroInEU forces EU buyers to pay in euro.
	EuroInEU bool `mapstructure:"euro_in_eu"`
	// RegionalCurrency swaps the currency of localized plans for the buyer
	// region's currency.
	RegionalCurrency bool `mapstructure:"regional_currency"`
	Debug            bool `mapstructure:"debug"`
}

// TestMode reports whether the processor key is a test-mode key. Some tax
// transaction fields may only be forced by requests in test mode.
func (c BillingConfig) TestMode() bool {
	return strings.HasPrefix(c.ProcessorKey, "sk_test_")
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/appback-billing")

	// Enable environment variable override
	v.SetEnvPrefix("APPBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicitly bind secrets (nested struct issue with viper)
	v.BindEnv("billing.processor_key", "APPBACK_BILLING_PROCESSOR_KEY")
	v.BindEnv("billing.webhook_secret", "APPBACK_BILLING_WEBHOOK_SECRET")
	v.BindEnv("billing.tax_key", "APPBACK_BILLING_TAX_KEY")
	v.BindEnv("billing.session_url", "APPBACK_BILLING_SESSION_URL")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "billing")
	v.SetDefault("database.password", "billing")
	v.SetDefault("database.database", "billing")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Billing defaults
	v.SetDefault("billing.tax_base_url", "https://api.taxamo.com/api/v1")
	v.SetDefault("billing.session_timeout", "4s")
	v.SetDefault("billing.tax_timeout", "3s")
	v.SetDefault("billing.credit_unit_amount", 100)
	v.SetDefault("billing.credit_currency", "usd")
	v.SetDefault("billing.universal_pricing", false)
	v.SetDefault("billing.euro_in_eu", false)
	v.SetDefault("billing.regional_currency", false)
}
