package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/readiness-cli/internal/db"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
)

// sqliteTime is a fixed-width UTC layout so stored timestamps compare
// correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db        *sql.DB
	upsertSQL string
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection also keeps the pragmas
	// below in effect for every statement.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	upsert, err := db.UpsertSQL(signalUpsert(db.Question, "MIN(signals.first_seen, excluded.first_seen)"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteStore{db: conn, upsertSQL: upsert}, nil
}

// signalColumns is the argument order of signal upserts.
var signalColumns = []string{
	"id", "entity_id", "type", "category", "confidence",
	"validation_pass", "validated", "first_seen", "payload", "updated_at",
}

// signalUpsert describes the compare-and-set signal upsert. Payload columns
// take the incoming row only when its validation pass is at least the stored
// one; first_seen always keeps the earlier value so arrival order never
// changes the result.
func signalUpsert(placeholders, earliest string) db.UpsertConfig {
	assign := map[string]string{"first_seen": earliest}
	for _, col := range signalColumns {
		if col == "id" || col == "first_seen" {
			continue
		}
		assign[col] = "CASE WHEN excluded.validation_pass >= signals.validation_pass THEN excluded." +
			col + " ELSE signals." + col + " END"
	}
	return db.UpsertConfig{
		Table:        "signals",
		Columns:      signalColumns,
		ConflictKeys: []string{"id"},
		Assign:       assign,
		Placeholders: placeholders,
	}
}

// dlqUpsert re-enqueues a dead letter in place. The guard keeps a stale
// writer with a lower retry count from rolling an entry back.
func dlqUpsert(placeholders string) db.UpsertConfig {
	return db.UpsertConfig{
		Table: "dead_letter_queue",
		Columns: []string{
			"id", "entity", "error", "error_type", "retry_count", "max_retries",
			"next_retry_at", "created_at", "last_failed_at",
		},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"error", "error_type", "retry_count", "next_retry_at", "last_failed_at"},
		Guard:        "excluded.retry_count >= dead_letter_queue.retry_count",
		Placeholders: placeholders,
	}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS signals (
	id              TEXT PRIMARY KEY,
	entity_id       TEXT NOT NULL,
	type            TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT 'general',
	confidence      REAL NOT NULL,
	validation_pass INTEGER NOT NULL DEFAULT 0,
	validated       INTEGER NOT NULL DEFAULT 0,
	first_seen      TEXT NOT NULL,
	payload         TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_entity_seen ON signals(entity_id, first_seen DESC);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	entity         TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Upsert(ctx context.Context, sig model.Signal) error {
	if err := checkUpsert(sig); err != nil {
		return err
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal signal")
	}

	_, err = s.db.ExecContext(ctx, s.upsertSQL,
		sig.ID, sig.EntityID, string(sig.Type), sig.CategoryOrDefault(), sig.Confidence,
		sig.ValidationPass, sig.Validated, sig.FirstSeen.UTC().Format(sqliteTime),
		string(payload), time.Now().UTC().Format(sqliteTime),
	)
	return eris.Wrapf(err, "sqlite: upsert signal %s", sig.ID)
}

func (s *SQLiteStore) Query(ctx context.Context, entityID string, filter SignalFilter) ([]model.Signal, error) {
	query, args := signalQuery(entityID, filter, db.Question, func(t time.Time) any {
		return t.UTC().Format(sqliteTime)
	})

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query signals")
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var payload, seen string
		if err := rows.Scan(&payload, &seen); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal")
		}
		firstSeen, err := time.Parse(sqliteTime, seen)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse first_seen %q", seen)
		}
		sig, err := decodeSignal([]byte(payload), firstSeen)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query signals iterate")
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	entityJSON, err := json.Marshal(entry.Entity)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq entity")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query, err := db.UpsertSQL(dlqUpsert(db.Question))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, string(entityJSON), entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC().Format(sqliteTime), entry.CreatedAt.UTC().Format(sqliteTime),
		entry.LastFailedAt.UTC().Format(sqliteTime),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, entity, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{dueBefore(filter).UTC().Format(sqliteTime)}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, dlqLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var entityJSON, next, created, failed string
		if err := rows.Scan(&e.ID, &entityJSON, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&next, &created, &failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(entityJSON), &e.Entity); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq entity")
		}
		e.NextRetryAt, _ = time.Parse(sqliteTime, next)
		e.CreatedAt, _ = time.Parse(sqliteTime, created)
		e.LastFailedAt, _ = time.Parse(sqliteTime, failed)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func decodeSignal(payload []byte, firstSeen time.Time) (model.Signal, error) {
	var sig model.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return sig, eris.Wrap(err, "store: unmarshal signal")
	}
	sig.FirstSeen = firstSeen.UTC()
	return sig, nil
}

// signalQuery builds the SELECT for Query in either placeholder style. The
// stored payload is authoritative except first_seen, which the upsert may
// have moved earlier, so it is re-read from its column.
func signalQuery(entityID string, f SignalFilter, style string, ts func(time.Time) any) (string, []any) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		if style == db.Question {
			return "?"
		}
		return "$" + strconv.Itoa(len(args))
	}

	where := []string{"entity_id = " + next(entityID)}
	if !f.Since.IsZero() {
		where = append(where, "first_seen >= "+next(ts(f.Since)))
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = next(string(t))
		}
		where = append(where, "type IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Category != "" {
		where = append(where, "category = "+next(f.Category))
	}
	if f.ValidatedOnly {
		where = append(where, "validated = "+next(true))
	}

	query := "SELECT payload, first_seen FROM signals WHERE " + strings.Join(where, " AND ") +
		" ORDER BY first_seen DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + next(f.Limit)
	}
	return query, args
}
