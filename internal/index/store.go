// Package index implements urpm's Postgres-backed index store: the
// versioned relational record of media, packages, capabilities, pins,
// transaction history, cache accounting, and peer state.
package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"
	"github.com/remind101/migrate"

	"github.com/urpmng/urpm/internal/index/migrations"
	"github.com/urpmng/urpm/pkg/poolstats"
)

// Opts configures a [Store].
type Opts struct {
	ConnString string
	// Migrations controls whether schema migrations run on Open. Daemons
	// that share a database with other urpm processes should only let
	// one of them carry this.
	Migrations bool
	MaxConns   int32
}

// Store wraps the index schema's connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, optionally runs schema migrations, and
// returns a ready [Store]. The returned Store must be closed with
// [Store.Close].
func Open(ctx context.Context, opts Opts) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("index: parsing connection string: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	} else {
		cfg.MaxConns = 10
	}
	const appnameKey = "application_name"
	if _, ok := cfg.ConnConfig.RuntimeParams[appnameKey]; !ok {
		cfg.ConnConfig.RuntimeParams[appnameKey] = "urpm-index"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("index: creating connection pool: %w", err)
	}

	if err := prometheus.Register(poolstats.NewCollector(pool, "urpm_index")); err != nil {
		zlog.Info(ctx).Msg("index pool metrics already registered")
	}

	if opts.Migrations {
		if err := runMigrations(opts.ConnString); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Store{pool: pool}, nil
}

// runMigrations opens a database/sql handle over the pgx stdlib driver,
// since remind101/migrate works against *sql.DB rather than pgxpool.
func runMigrations(connString string) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("index: opening migration connection: %w", err)
	}
	defer db.Close()

	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		return fmt.Errorf("index: running migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
