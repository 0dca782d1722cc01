// Package store is the sole persistence layer this system owns beyond the
// spool tree: an idempotent upsert into an external Postgres database,
// keyed by (message_hash, recipient), reachable from both the spool
// worker (parsed DSN reports) and the daemon (correlated observer
// events).
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nyxmail/bouncer/bouncererr"
	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/pkg/metrics"
)

// Record is the row shape shared by both entry points: a parsed DSN
// report from the spool worker and a correlated delivery event from the
// observer. Both carry the same fields (spec.md §6's "Observer event
// body").
type Record struct {
	MessageHash string
	Recipient   string
	Action      string // observer status (delivered, bounced, deferred, delayed, error) or DSN Action (e.g. failed, delayed)
	DSN         string // "N.N.N"
	Diagnostic  string
	Relay       string
	Source      string
	Timestamp   time.Time
}

// Store is implemented against Postgres; a fake in tests.
type Store interface {
	// UpsertBounce records a DSN report parsed directly from a spooled
	// message. Errors are classified per spec.md §7: transient failures
	// wrap bouncererr.ErrDBTransient, constraint violations wrap
	// bouncererr.ErrDBPermanent.
	UpsertBounce(ctx context.Context, r Record) error

	// ApplyObserverEvent records a delivery event correlated by the
	// observer. Semantically identical to UpsertBounce; kept as a
	// separate method so daemon call sites read the way spec.md names
	// the two operations.
	ApplyObserverEvent(ctx context.Context, r Record) error

	GetMetricsStats(ctx context.Context) (*metrics.Stats, error)

	Close()
}

// PostgresStore is the production Store implementation.
type PostgresStore struct {
	pool          *pgxpool.Pool
	statusMapping config.StatusMapping
}

// Open connects a pgx pool per cfg.Write and runs the embedded schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, mapping config.StatusMapping) (*PostgresStore, error) {
	if cfg.Write == nil || len(cfg.Write.Hosts) == 0 {
		return nil, fmt.Errorf("store: no write endpoint configured")
	}
	ep := cfg.Write

	sslMode := "disable"
	if ep.TLSMode {
		sslMode = "require"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		ep.User, ep.Password, ep.Hosts[0], ep.Port, ep.Name, sslMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}

	if maxConnLifetime, err := ep.GetMaxConnLifetime(); err == nil {
		poolCfg.MaxConnLifetime = maxConnLifetime
	}
	if maxConnIdleTime, err := ep.GetMaxConnIdleTime(); err == nil {
		poolCfg.MaxConnIdleTime = maxConnIdleTime
	}
	if ep.MaxConns > 0 {
		poolCfg.MaxConns = int32(ep.MaxConns)
	}
	if ep.MinConns > 0 {
		poolCfg.MinConns = int32(ep.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &PostgresStore{pool: pool, statusMapping: mapping}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const upsertSQL = `
INSERT INTO bounces (message_hash, recipient, status, dsn, diagnostic, relay, source, updated_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
ON CONFLICT (message_hash, recipient) DO UPDATE SET
	status     = EXCLUDED.status,
	dsn        = EXCLUDED.dsn,
	diagnostic = EXCLUDED.diagnostic,
	relay      = EXCLUDED.relay,
	source     = EXCLUDED.source,
	updated_at = now()
`

func (s *PostgresStore) upsert(ctx context.Context, r Record, op string) error {
	start := time.Now()
	status := s.statusMapping.Classify(r.Action, r.DSN)

	_, err := s.pool.Exec(ctx, upsertSQL, r.MessageHash, r.Recipient, status, r.DSN, r.Diagnostic, r.Relay, r.Source)
	metrics.DBOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		classified := classify(err)
		metrics.DBOperationsTotal.WithLabelValues(op, outcomeLabel(classified)).Inc()
		return fmt.Errorf("store: %s: %w", op, classified)
	}

	metrics.DBOperationsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (s *PostgresStore) UpsertBounce(ctx context.Context, r Record) error {
	return s.upsert(ctx, r, "upsert_bounce")
}

func (s *PostgresStore) ApplyObserverEvent(ctx context.Context, r Record) error {
	return s.upsert(ctx, r, "apply_observer_event")
}

func (s *PostgresStore) GetMetricsStats(ctx context.Context) (*metrics.Stats, error) {
	stats := &metrics.Stats{}

	row := s.pool.QueryRow(ctx, `SELECT count(*) FROM bounces`)
	if err := row.Scan(&stats.TotalBounces); err != nil {
		return nil, fmt.Errorf("store: get_metrics_stats: %w", classify(err))
	}

	row = s.pool.QueryRow(ctx, `SELECT count(*) FROM bounces WHERE updated_at > created_at`)
	if err := row.Scan(&stats.TotalObserverEvents); err != nil {
		return nil, fmt.Errorf("store: get_metrics_stats: %w", classify(err))
	}

	var oldestPending *time.Time
	row = s.pool.QueryRow(ctx, `SELECT min(created_at) FROM bounces WHERE status = 'pending'`)
	if err := row.Scan(&oldestPending); err != nil {
		return nil, fmt.Errorf("store: get_metrics_stats: %w", classify(err))
	}
	if oldestPending != nil {
		stats.PendingProcessingFrom = time.Since(*oldestPending)
	}

	return stats, nil
}

// classify maps a pgx/network error onto the taxonomy in spec.md §7.
// Deadlocks, connection loss, and resource exhaustion are transient;
// constraint violations are permanent; anything unrecognized is treated
// as transient, favoring a retry over silently dropping data.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", bouncererr.ErrDBTransient, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" || pgErr.Code == "23503" || pgErr.Code == "23514" || pgErr.Code == "22001":
			// unique_violation, foreign_key_violation, check_violation, string_data_right_truncation
			return fmt.Errorf("%w: %w", bouncererr.ErrDBPermanent, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %w", bouncererr.ErrDBTransient, err)
		case pgErr.Code == "53300": // too_many_connections
			return fmt.Errorf("%w: %w", bouncererr.ErrDBTransient, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exception
			return fmt.Errorf("%w: %w", bouncererr.ErrDBTransient, err)
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", bouncererr.ErrDBPermanent, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", bouncererr.ErrDBTransient, err)
	}

	return fmt.Errorf("%w: %w", bouncererr.ErrDBTransient, err)
}

func outcomeLabel(classified error) string {
	if errors.Is(classified, bouncererr.ErrDBPermanent) {
		return "permanent"
	}
	return "transient"
}
