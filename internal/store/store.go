// Package store is the PostgreSQL access layer. It owns the three sync
// tables (tracker, audit log, config) and the read-only queries against the
// upstream ZMC alarm tables.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a pgx connection pool with the queries the sync engine and
// the HTTP API need.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New connects to PostgreSQL and verifies the connection. When
// cfg.AutoMigrate is set the sync tables are created or upgraded first.
func New(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if cfg.AutoMigrate {
		if err := Migrate(ctx, cfg.ConnString()); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("parse_config", err)
	}
	poolCfg.MinConns = cfg.PoolMin
	poolCfg.MaxConns = cfg.PoolMax

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, zmcerrors.WrapConnectionError("connect", "postgres", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, zmcerrors.WrapConnectionError("ping", "postgres", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Int32("pool_max", cfg.PoolMax).
		Msg("Connected to PostgreSQL")

	return &Store{pool: pool, timeout: cfg.Timeout()}, nil
}

// Migrate applies the embedded goose migrations. Only the sync-owned tables
// are managed here; the ZMC alarm tables belong to the upstream system.
func Migrate(ctx context.Context, connString string) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return zmcerrors.WrapDatabaseError("migrate_open", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return zmcerrors.WrapDatabaseError("migrate_dialect", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return zmcerrors.WrapDatabaseError("migrate_up", err)
	}

	log.Info().Msg("Database migrations applied")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database liveness for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return zmcerrors.WrapConnectionError("ping", "postgres", err)
	}
	return nil
}

// PublishPoolStats exports the current pool state as gauges.
func (s *Store) PublishPoolStats() {
	stat := s.pool.Stat()
	metrics.SetDBPoolStats(stat.AcquiredConns(), stat.IdleConns(), stat.TotalConns())
}

// queryCtx bounds a query with the configured store timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// observe records the query duration histogram. Use with defer.
func observe(queryType string, start time.Time) {
	metrics.ObserveDBQuery(queryType, time.Since(start))
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// derefTime converts a nullable scan target to the zero time.
func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// truncateRunes shortens s to at most n runes. Alarm text is frequently
// multi-byte, so the limit counts runes rather than bytes.
func truncateRunes(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}
