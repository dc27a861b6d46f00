package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"member-account/internal/config"
	"member-account/internal/db/migrations"
)

// NewPool construye y devuelve un pool de conexiones configurado.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// OpenSQLite abre la base sqlite indicada. ":memory:" queda limitada a una
// sola conexion para que todas las consultas vean el mismo esquema.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

// Ping verifica conectividad con la base de datos.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.Ping(ctx)
}

// gooseUpContext permite sustituir goose.UpContext en tests.
var gooseUpContext = func(ctx context.Context, conn *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, conn, dir, opts...)
}

// MigratePostgres aplica las migraciones embebidas sobre el pool de pgx.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	conn := stdlib.OpenDBFromPool(pool)
	defer conn.Close()
	return migrate(ctx, conn, config.DriverPostgres)
}

// MigrateSQLite aplica las migraciones embebidas sobre una base sqlite.
func MigrateSQLite(ctx context.Context, conn *sql.DB) error {
	return migrate(ctx, conn, config.DriverSQLite)
}

func migrate(ctx context.Context, conn *sql.DB, driver string) error {
	switch driver {
	case config.DriverPostgres:
		goose.SetBaseFS(migrations.Postgres)
		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
	case config.DriverSQLite:
		goose.SetBaseFS(migrations.SQLite)
		if err := goose.SetDialect("sqlite3"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("migrate: unsupported driver %q", driver)
	}
	if err := gooseUpContext(ctx, conn, driver); err != nil {
		return fmt.Errorf("migrate %s: %w", driver, err)
	}
	return nil
}
