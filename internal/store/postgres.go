package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/db"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool      db.Pool
	closeFn   func()
	upsertSQL string
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// postgresUpsert is the signal upsert in $n placeholder style.
func postgresUpsert() (string, error) {
	return db.UpsertSQL(signalUpsert(db.Dollar, "LEAST(signals.first_seen, excluded.first_seen)"))
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	upsert, err := postgresUpsert()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, upsertSQL: upsert}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS signals (
	id              TEXT PRIMARY KEY,
	entity_id       TEXT NOT NULL,
	type            TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT 'general',
	confidence      DOUBLE PRECISION NOT NULL,
	validation_pass INTEGER NOT NULL DEFAULT 0,
	validated       BOOLEAN NOT NULL DEFAULT false,
	first_seen      TIMESTAMPTZ NOT NULL,
	payload         JSONB NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_signals_entity_seen ON signals(entity_id, first_seen DESC);
CREATE INDEX IF NOT EXISTS idx_signals_entity_type ON signals(entity_id, type);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity         JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, sig model.Signal) error {
	if err := checkUpsert(sig); err != nil {
		return err
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal signal")
	}

	_, err = s.pool.Exec(ctx, s.upsertSQL,
		sig.ID, sig.EntityID, string(sig.Type), sig.CategoryOrDefault(), sig.Confidence,
		sig.ValidationPass, sig.Validated, sig.FirstSeen.UTC(), payload, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert signal %s", sig.ID)
}

func (s *PostgresStore) Query(ctx context.Context, entityID string, filter SignalFilter) ([]model.Signal, error) {
	query, args := signalQuery(entityID, filter, db.Dollar, func(t time.Time) any { return t.UTC() })

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query signals")
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var payload []byte
		var seen time.Time
		if err := rows.Scan(&payload, &seen); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal")
		}
		sig, err := decodeSignal(payload, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query signals iterate")
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	entityJSON, err := json.Marshal(entry.Entity)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq entity")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query, err := db.UpsertSQL(dlqUpsert(db.Dollar))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query,
		entry.ID, entityJSON, entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, entity, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= $1 AND retry_count < max_retries`
	args := []any{dueBefore(filter)}
	if filter.ErrorType != "" {
		query += ` AND error_type = $2`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, dlqLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var entityJSON []byte
		if err := rows.Scan(&e.ID, &entityJSON, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(entityJSON, &e.Entity); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq entity")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
