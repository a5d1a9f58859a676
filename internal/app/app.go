package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Skotchmaster/identity/internal/config"
	"github.com/Skotchmaster/identity/internal/credentials"
	"github.com/Skotchmaster/identity/internal/handlers"
	"github.com/Skotchmaster/identity/internal/hash"
	"github.com/Skotchmaster/identity/internal/lock"
	"github.com/Skotchmaster/identity/internal/middleware/auth"
	"github.com/Skotchmaster/identity/internal/mykafka"
	"github.com/Skotchmaster/identity/internal/refresh"
	"github.com/Skotchmaster/identity/internal/repo"
	"github.com/Skotchmaster/identity/internal/service"
	httpserver "github.com/Skotchmaster/identity/internal/transport/http"
	"github.com/Skotchmaster/identity/pkg/tokens"
)

// App holds the wired service and the resources Close releases.
type App struct {
	Echo  *echo.Echo
	DB    *gorm.DB
	Auth  *service.AuthService
	Store *credentials.Store

	redis    *redis.Client
	producer *mykafka.Producer
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	gdb, err := config.InitDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	a := &App{DB: gdb}

	hasher, err := hash.New(cfg.HashAlgorithm, cfg.BcryptCost)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var locker lock.Locker = lock.NewKeyed()
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locker = lock.NewRedis(a.redis, cfg.LockTTL)
		logger.Info("user_locks_in_redis", "addr", cfg.RedisAddr)
	}

	var publisher mykafka.Publisher = mykafka.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		a.producer, err = mykafka.NewProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		publisher = a.producer
	} else {
		logger.Warn("kafka_disabled", "reason", "KAFKA_BROKERS is empty")
	}
	events := &mykafka.Events{Publisher: publisher, Topic: cfg.KafkaTopic}

	policy := credentials.Policy{
		MinLength:       cfg.PasswordMinLength,
		RequireDigit:    cfg.PasswordRequireDigit,
		RequireLower:    cfg.PasswordRequireLower,
		RequireUpper:    cfg.PasswordRequireUpper,
		RequireNonAlnum: cfg.PasswordRequireNonAlnum,
	}

	r := repo.New(gdb)
	a.Store = credentials.NewStore(r, hasher, locker, policy)
	if err := a.Store.EnsureRoles(ctx, cfg.SeedRoles...); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("seed roles: %w", err)
	}

	signer := &tokens.Signer{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer, TTL: cfg.AccessTokenTTL}
	a.Auth = &service.AuthService{
		Store:          a.Store,
		Issuer:         refresh.NewIssuer(r, locker, cfg.RefreshTokenTTL),
		Signer:         signer,
		Events:         events,
		ReuseDetection: cfg.RefreshReuseDetection,
	}

	a.Echo = httpserver.New(&httpserver.Deps{
		DB:             gdb,
		AuthHandler:    &handlers.AuthHandler{Auth: a.Auth, Timeout: cfg.OperationTimeout},
		UserHandler:    &handlers.UserHandler{Store: a.Store, Events: events, DefaultRole: cfg.DefaultRole, Timeout: cfg.OperationTimeout},
		RoleHandler:    &handlers.RoleHandler{Store: a.Store, Timeout: cfg.OperationTimeout},
		Auth:           &auth.Middleware{Signer: signer},
		AdminRole:      cfg.AdminRole,
		LoginRateLimit: cfg.LoginRateLimit,
	}, httpserver.Options{
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		Production:  cfg.IsProduction(),
	})
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("db close: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
