package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Insecure defaults that must never reach production
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Panel          PanelConfig
	Reconciler     ReconcilerConfig
	Trial          TrialConfig
	Log            LogConfig
	InternalSecret string `env:"INTERNAL_SECRET"`
}

type ServerConfig struct {
	Port            string        `env:"SERVER_PORT" envDefault:"8005"`
	Mode            string        `env:"GIN_MODE" envDefault:"release"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"saas_user"`
	Password string `env:"DB_PASSWORD" envDefault:"saas_pass"`
	DBName   string `env:"DB_NAME" envDefault:"saas_db"`
	Schema   string `env:"DB_SCHEMA" envDefault:"provisioning"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	MinConns int32  `env:"DB_MIN_CONNS" envDefault:"5"`
	Migrate  bool   `env:"DB_MIGRATE" envDefault:"true"`
}

// RedisConfig is optional. When URL is empty provisioning locks live in Postgres.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type JWTConfig struct {
	SecretKey string `env:"JWT_SECRET_KEY"`
}

type PanelConfig struct {
	HTTPTimeout time.Duration `env:"PANEL_HTTP_TIMEOUT" envDefault:"30s"`
	TokenTTL    time.Duration `env:"PANEL_TOKEN_TTL" envDefault:"30m"`
	LockTTL     time.Duration `env:"PROVISIONING_LOCK_TTL" envDefault:"2m"`
}

type ReconcilerConfig struct {
	MaxDuration time.Duration `env:"RECONCILER_MAX_DURATION" envDefault:"10m"`
}

type TrialConfig struct {
	Enabled    bool          `env:"TRIAL_ENABLED" envDefault:"false"`
	RateLimit  int           `env:"TRIAL_RATE_LIMIT" envDefault:"5"`
	RateWindow time.Duration `env:"TRIAL_RATE_WINDOW" envDefault:"1h"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and then the process environment
func Load() (*Config, error) {
	// A missing .env file is fine
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects insecure secrets and unusable tuning values
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if c.Panel.HTTPTimeout <= 0 {
		return fmt.Errorf("PANEL_HTTP_TIMEOUT must be positive")
	}
	if c.Panel.LockTTL <= c.Panel.HTTPTimeout {
		return fmt.Errorf("PROVISIONING_LOCK_TTL must be longer than PANEL_HTTP_TIMEOUT")
	}
	if c.Reconciler.MaxDuration <= 0 {
		return fmt.Errorf("RECONCILER_MAX_DURATION must be positive")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}
