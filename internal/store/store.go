// Package store is the persistence boundary of the sync layer: the durable
// pending-action queue and the local read cache. It is the only state that
// must survive process restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/constructpro/fieldsync/internal/config"
)

// Store wraps the database connection pool
type Store struct {
	Pool   *pgxpool.Pool
	config *config.DatabaseConfig
	Schema string
}

// New creates a new database connection pool. Site gateways often boot
// before their database container, so the initial ping is retried with
// exponential backoff.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			slog.Warn("database not reachable yet, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return &Store{
		Pool:   pool,
		config: cfg,
		Schema: cfg.Schema,
	}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
		slog.Info("database connection closed")
	}
}

// Ping checks if the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.Schema == "" {
		return nil
	}

	_, err := s.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", s.Schema, err)
	}

	slog.Info("schema ready", "schema", s.Schema)
	return nil
}

// RunMigrations executes all pending database migrations
func (s *Store) RunMigrations(ctx context.Context, migrationsDir string) error {
	// Ensure schema exists first
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", s.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	// Set goose table name to be schema-specific to avoid conflicts
	if s.Schema != "" {
		goose.SetTableName(s.Schema + ".goose_db_version")
	}

	if err := goose.Up(stdDB, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", s.Schema)
	return nil
}

// MigrationStatus returns the current migration status
func (s *Store) MigrationStatus(migrationsDir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", s.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	if s.Schema != "" {
		goose.SetTableName(s.Schema + ".goose_db_version")
	}

	return goose.Status(stdDB, migrationsDir)
}
