package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"member-account/internal/config"
	"member-account/internal/db"
	"member-account/internal/email"
	apihttp "member-account/internal/http"
	"member-account/internal/repository"
	"member-account/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	userRepo, ping, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store init", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	hasher := service.NewPasswordHasher(cfg.HashAlgorithm, cfg.BcryptCost)
	jwtSvc := service.NewJWTService(
		cfg.JWTSecret,
		cfg.TokenTTL(),
		service.WithLeeway(cfg.TokenLeeway()),
		service.WithIssuer(cfg.JWTIssuer),
	)

	opts := []service.UserServiceOption{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-process registration lock", zap.Error(err))
		} else {
			opts = append(opts, service.WithRegistrationLock(service.NewRedisRegistrationLock(redisClient), cfg.RegistrationLockTTL()))
		}
		cancel()
	}
	if cfg.SMTPHost != "" {
		sender, err := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPUseTLS)
		if err != nil {
			logger.Warn("smtp sender init failed", zap.Error(err))
		} else {
			opts = append(opts, service.WithWelcomeSender(sender))
		}
	}

	userSvc := service.NewUserService(logger, userRepo, hasher, jwtSvc, opts...)
	userHandler := apihttp.NewUserHandler(logger, userSvc)
	router := apihttp.NewRouter(logger, userHandler, ping, cfg.CORSAllowedOrigins)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server",
		zap.String("port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("hash", cfg.HashAlgorithm),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

// openStore conecta el backend configurado y aplica las migraciones.
func openStore(ctx context.Context, cfg *config.Config) (repository.UserRepository, apihttp.Pinger, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.MigrateSQLite(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		return repository.NewSQLiteUserRepository(conn), conn.PingContext, func() { conn.Close() }, nil
	default:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		ping := func(ctx context.Context) error { return db.Ping(ctx, pool) }
		return repository.NewPgUserRepository(pool), ping, pool.Close, nil
	}
}
