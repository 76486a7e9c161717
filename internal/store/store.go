package store

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
)

// ErrNotValidated is returned by Upsert for signals that have not passed
// validation. Only validated signals are persisted.
var ErrNotValidated = eris.New("store: signal is not validated")

// SignalFilter narrows a signal query.
type SignalFilter struct {
	Since         time.Time          `json:"since,omitempty"`
	Types         []model.SignalType `json:"types,omitempty"`
	Category      string             `json:"category,omitempty"`
	ValidatedOnly bool               `json:"validated_only,omitempty"`
	Limit         int                `json:"limit,omitempty"`
}

// SignalStore persists validated signals.
//
// Upsert is idempotent and commutative per signal ID: an incoming record
// replaces the stored one only when its validation pass is greater than or
// equal to the stored pass, so a lower pass never overwrites a higher one and
// equal passes resolve last-write-wins. The earliest first_seen is kept
// whichever record wins.
// Query returns signals newest first.
type SignalStore interface {
	Upsert(ctx context.Context, sig model.Signal) error
	Query(ctx context.Context, entityID string, filter SignalFilter) ([]model.Signal, error)
}

// DeadLetters stores entities whose runs failed in a retryable way.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	SignalStore
	DeadLetters

	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by driver: "postgres", "sqlite" or
// "memory". The schema is migrated before returning.
func Open(ctx context.Context, driver, dsn string, maxConns int32) (Store, error) {
	var (
		st  Store
		err error
	)
	switch driver {
	case "postgres":
		st, err = NewPostgres(ctx, dsn, &PoolConfig{MaxConns: maxConns})
	case "sqlite":
		st, err = NewSQLite(dsn)
	case "memory":
		st = NewMemory()
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func checkUpsert(sig model.Signal) error {
	if !sig.Validated {
		return eris.Wrapf(ErrNotValidated, "signal %s", sig.ID)
	}
	if err := sig.Check(); err != nil {
		return eris.Wrap(err, "store: upsert")
	}
	return nil
}

func dueBefore(f resilience.DLQFilter) time.Time {
	if f.DueBefore.IsZero() {
		return time.Now().UTC()
	}
	return f.DueBefore
}

func dlqLimit(f resilience.DLQFilter) int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// sortSignals orders newest first, ties broken by ID.
func sortSignals(signals []model.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if !signals[i].FirstSeen.Equal(signals[j].FirstSeen) {
			return signals[i].FirstSeen.After(signals[j].FirstSeen)
		}
		return signals[i].ID < signals[j].ID
	})
}
