package postgres

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrcall/website-telemetry/internal/config"
)

// DB owns the shared connection pool. It is constructed once at startup and
// handed to every component that touches storage.
//
// Construction never aborts the process: a bad or missing configuration
// produces a DB whose operations return the sticky error, which the
// endpoints translate through their fail-open policy. The site must keep
// working when the tracking database does not.
type DB struct {
	pool *pgxpool.Pool
	cfg  config.Database
	err  error
}

// Open builds the pool from the discrete connection settings. The pool is
// kept small with short timeouts: the service is cheap to cold-start and a
// connection storm against the tracking database is worse than a dropped
// event.
func Open(ctx context.Context, cfg config.Database) *DB {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return &DB{cfg: cfg, err: fmt.Errorf("parse db config: %w", err)}
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return &DB{cfg: cfg, err: fmt.Errorf("pgxpool: %w", err)}
	}
	return &DB{pool: pool, cfg: cfg}
}

func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ready issues a trivial liveness query.
func (db *DB) Ready(ctx context.Context) error {
	if db.pool == nil {
		return db.err
	}
	var one int
	return db.pool.QueryRow(ctx, "select 1").Scan(&one)
}

// Report returns the sanitized connection settings for diagnostics.
func (db *DB) Report() config.DatabaseReport {
	return db.cfg.Report()
}

// RunMigration executes a single SQL file.
func (db *DB) RunMigration(ctx context.Context, path string) error {
	if db.pool == nil {
		return db.err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open migration: %w", err)
	}
	defer f.Close()
	sqlBytes, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	_, err = db.pool.Exec(ctx, string(sqlBytes))
	if err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}
