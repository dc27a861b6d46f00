package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort                string   `env:"HTTP_PORT" envDefault:"3001"`
	StoreDriver             string   `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL             string   `env:"DATABASE_URL"`
	SQLitePath              string   `env:"SQLITE_PATH" envDefault:"member.db"`
	DBMaxConns              int32    `env:"DB_MAX_CONNS" envDefault:"10"`
	JWTSecret               string   `env:"JWT_SECRET,required"`
	JWTIssuer               string   `env:"JWT_ISSUER" envDefault:"member-account"`
	JWTTTLMinutes           int      `env:"JWT_TTL_MINUTES" envDefault:"60"`
	JWTLeewaySeconds        int      `env:"JWT_LEEWAY_SECONDS" envDefault:"0"`
	HashAlgorithm           string   `env:"HASH_ALGORITHM" envDefault:"bcrypt"`
	BcryptCost              int      `env:"BCRYPT_COST" envDefault:"10"`
	RedisAddr               string   `env:"REDIS_ADDR"`
	RedisPassword           string   `env:"REDIS_PASSWORD"`
	RedisDB                 int      `env:"REDIS_DB" envDefault:"0"`
	RegistrationLockSeconds int      `env:"REGISTRATION_LOCK_SECONDS" envDefault:"10"`
	CORSAllowedOrigins      []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	SMTPHost                string   `env:"SMTP_HOST"`
	SMTPPort                int      `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser                string   `env:"SMTP_USER"`
	SMTPPass                string   `env:"SMTP_PASS"`
	SMTPFrom                string   `env:"SMTP_FROM"`
	SMTPFromName            string   `env:"SMTP_FROM_NAME"`
	SMTPUseTLS              bool     `env:"SMTP_USE_TLS" envDefault:"false"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.HashAlgorithm = strings.ToLower(strings.TrimSpace(cfg.HashAlgorithm))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rechaza combinaciones que no permiten arrancar el servicio.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: DATABASE_URL is required for the postgres driver")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.HashAlgorithm {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("config: unsupported HASH_ALGORITHM %q", c.HashAlgorithm)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET must not be blank")
	}
	if c.JWTTTLMinutes <= 0 {
		return fmt.Errorf("config: JWT_TTL_MINUTES must be positive (got %d)", c.JWTTTLMinutes)
	}
	if c.JWTLeewaySeconds < 0 {
		return fmt.Errorf("config: JWT_LEEWAY_SECONDS must not be negative (got %d)", c.JWTLeewaySeconds)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("config: DB_MAX_CONNS must be positive (got %d)", c.DBMaxConns)
	}
	return nil
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTTTLMinutes) * time.Minute
}

func (c *Config) TokenLeeway() time.Duration {
	return time.Duration(c.JWTLeewaySeconds) * time.Second
}

func (c *Config) RegistrationLockTTL() time.Duration {
	if c.RegistrationLockSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.RegistrationLockSeconds) * time.Second
}
