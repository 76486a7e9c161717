package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string]model.Signal
	dlq     map[string]resilience.DLQEntry
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]model.Signal),
		dlq:     make(map[string]resilience.DLQEntry),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// Upsert stores sig unless a record with a higher validation pass exists.
// The earliest first_seen is kept either way.
func (m *MemoryStore) Upsert(ctx context.Context, sig model.Signal) error {
	if err := checkUpsert(sig); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	incoming := sig.Clone()
	if cur, ok := m.signals[sig.ID]; ok {
		if cur.FirstSeen.Before(incoming.FirstSeen) {
			incoming.FirstSeen = cur.FirstSeen
		}
		if incoming.ValidationPass < cur.ValidationPass {
			cur.FirstSeen = incoming.FirstSeen
			incoming = cur
		}
	}
	m.signals[sig.ID] = incoming
	return nil
}

// Query returns the entity's signals matching filter, newest first.
func (m *MemoryStore) Query(ctx context.Context, entityID string, filter SignalFilter) ([]model.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	types := make(map[model.SignalType]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}

	m.mu.RLock()
	var out []model.Signal
	for _, s := range m.signals {
		switch {
		case s.EntityID != entityID:
		case !filter.Since.IsZero() && s.FirstSeen.Before(filter.Since):
		case len(types) > 0 && !types[s.Type]:
		case filter.Category != "" && s.CategoryOrDefault() != filter.Category:
		case filter.ValidatedOnly && !s.Validated:
		default:
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sortSignals(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.dlq[entry.ID]; ok {
		if entry.RetryCount < prev.RetryCount {
			return nil
		}
		entry.Entity = prev.Entity
		entry.MaxRetries = prev.MaxRetries
		entry.CreatedAt = prev.CreatedAt
	}
	m.dlq[entry.ID] = entry
	return nil
}

func (m *MemoryStore) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	due := dueBefore(filter)

	m.mu.RLock()
	var out []resilience.DLQEntry
	for _, e := range m.dlq {
		if e.NextRetryAt.After(due) || e.RetryCount >= e.MaxRetries {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit := dlqLimit(filter); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RemoveDLQ(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.dlq, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) CountDLQ(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dlq), nil
}
