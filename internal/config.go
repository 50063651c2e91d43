package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Mpesa         MpesaConfig         `mapstructure:"mpesa"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	TokenSigningSecret  string        `mapstructure:"token_signing_secret" validate:"required,min=32"`
	AccessTokenDuration time.Duration `mapstructure:"access_token_duration" validate:"required,min=1m,max=24h"`
	BCryptCost          int           `mapstructure:"bcrypt_cost" validate:"required,min=10,max=15"`
}

// MpesaConfig carries the Daraja credentials and endpoints. Environment
// switches between the sandbox and production base URLs.
type MpesaConfig struct {
	Environment    string        `mapstructure:"environment" validate:"required,oneof=sandbox production"`
	ConsumerKey    string        `mapstructure:"consumer_key" validate:"required"`
	ConsumerSecret string        `mapstructure:"consumer_secret" validate:"required"`
	ShortCode      string        `mapstructure:"short_code" validate:"required"`
	Passkey        string        `mapstructure:"passkey" validate:"required"`
	CallbackURL    string        `mapstructure:"callback_url" validate:"required,url"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	AccountPrefix  string        `mapstructure:"account_prefix"`
}

type ReconcilerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MinAge     time.Duration `mapstructure:"min_age"`
	MaxWorkers int           `mapstructure:"max_workers"`
	BatchLimit int           `mapstructure:"batch_limit"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds the config from environment variables, used for
// container deployments where no config.yml is mounted.
func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DB_SOURCE", ""),
		},
		Security: SecurityConfig{
			TokenSigningSecret:  getEnv("SECURITY_TOKEN_SIGNING_SECRET", ""),
			AccessTokenDuration: getEnvAsDuration("SECURITY_ACCESS_TOKEN_DURATION", time.Hour),
			BCryptCost:          getEnvAsInt("SECURITY_BCRYPT_COST", 12),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Mpesa: MpesaConfig{
			Environment:    getEnv("MPESA_ENVIRONMENT", "sandbox"),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:      getEnv("MPESA_SHORT_CODE", ""),
			Passkey:        getEnv("MPESA_PASSKEY", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
			HTTPTimeout:    getEnvAsDuration("MPESA_HTTP_TIMEOUT", 30*time.Second),
			AccountPrefix:  getEnv("MPESA_ACCOUNT_PREFIX", "HelmetAds"),
		},
		Reconciler: ReconcilerConfig{
			Interval:   getEnvAsDuration("RECONCILER_INTERVAL", 5*time.Minute),
			MinAge:     getEnvAsDuration("RECONCILER_MIN_AGE", 10*time.Minute),
			MaxWorkers: getEnvAsInt("RECONCILER_MAX_WORKERS", 5),
			BatchLimit: getEnvAsInt("RECONCILER_BATCH_LIMIT", 50),
		},
	}
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Mpesa.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("mpesa config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if len(c.TokenSigningSecret) < 32 {
		return errors.New("token signing secret must be at least 32 characters")
	}
	if c.AccessTokenDuration < time.Minute {
		return errors.New("access token duration must be at least 1 minute")
	}
	return nil
}

func (c *MpesaConfig) Validate() error {
	if c.Environment != "sandbox" && c.Environment != "production" {
		return fmt.Errorf("environment must be sandbox or production, got %q", c.Environment)
	}
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return errors.New("consumer_key and consumer_secret are required")
	}
	if c.ShortCode == "" {
		return errors.New("short_code is required")
	}
	if c.Passkey == "" {
		return errors.New("passkey is required")
	}
	if c.CallbackURL == "" {
		return errors.New("callback_url is required")
	}
	if _, err := url.Parse(c.CallbackURL); err != nil {
		return fmt.Errorf("invalid callback_url: %w", err)
	}
	return nil
}
