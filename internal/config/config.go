package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gorm.io/gorm"

	"github.com/Skotchmaster/identity/internal/models"
	"github.com/Skotchmaster/identity/pkg/db"
)

type Config struct {
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":4000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DBDriver    string `envconfig:"DB_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer       string        `envconfig:"JWT_ISSUER" default:"identity"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"168h"`

	RefreshReuseDetection bool `envconfig:"REFRESH_REUSE_DETECTION" default:"false"`

	OperationTimeout time.Duration `envconfig:"OPERATION_TIMEOUT" default:"5s"`

	HashAlgorithm string `envconfig:"HASH_ALGORITHM" default:"bcrypt"`
	BcryptCost    int    `envconfig:"BCRYPT_COST" default:"10"`

	PasswordMinLength       int  `envconfig:"PASSWORD_MIN_LENGTH" default:"5"`
	PasswordRequireDigit    bool `envconfig:"PASSWORD_REQUIRE_DIGIT" default:"true"`
	PasswordRequireLower    bool `envconfig:"PASSWORD_REQUIRE_LOWER" default:"true"`
	PasswordRequireUpper    bool `envconfig:"PASSWORD_REQUIRE_UPPER" default:"true"`
	PasswordRequireNonAlnum bool `envconfig:"PASSWORD_REQUIRE_NON_ALNUM" default:"false"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	LockTTL       time.Duration `envconfig:"LOCK_TTL" default:"10s"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"user_events"`

	SeedRoles   []string `envconfig:"SEED_ROLES" default:"Administrator,Doctor,Patient"`
	DefaultRole string   `envconfig:"DEFAULT_ROLE" default:"Patient"`
	AdminRole   string   `envconfig:"ADMIN_ROLE" default:"Administrator"`

	LoginRateLimit int      `envconfig:"LOGIN_RATE_LIMIT" default:"20"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"http://localhost:4200"`
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("notice: .env file not found (%v), using system environment variables", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 && c.IsProduction() {
		return errors.New("JWT_SECRET must be at least 32 bytes in production")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.OperationTimeout <= 0 {
		return errors.New("OPERATION_TIMEOUT must be positive")
	}
	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case "sqlite":
		if c.DatabaseURL == "" {
			c.DatabaseURL = "file::memory:?cache=shared"
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.HashAlgorithm {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("unsupported HASH_ALGORITHM %q", c.HashAlgorithm)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// InitDB opens the configured database and migrates the identity schema.
func InitDB(ctx context.Context, cfg *Config) (*gorm.DB, error) {
	var (
		gdb *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "sqlite":
		gdb, err = db.OpenSQLite(ctx, cfg.DatabaseURL)
	default:
		gdb, err = db.Open(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, err
	}
	if err := models.Migrate(gdb.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gdb, nil
}
