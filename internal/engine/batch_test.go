package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/readiness-cli/internal/ledger"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/internal/store"
	"github.com/sells-group/readiness-cli/internal/validation"
)

func entityIs(id string) interface{} {
	return mock.MatchedBy(func(e model.Entity) bool { return e.ID == id })
}

func failingReport() *validation.Report {
	r := acceptReport(0.8)
	r.TerminalFailures = 1
	return r
}

func TestBatch_Run(t *testing.T) {
	v := new(mockValidator)
	v.On("Validate", mock.Anything, entityIs("bad.com"), mock.Anything).Return(failingReport(), nil)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(acceptReport(0.9), nil)
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, v)

	dlq := store.NewMemory()
	var (
		mu   sync.Mutex
		seen []string
	)
	b := NewBatch(r, dlq, BatchConfig{
		Workers: 2,
		Options: Options{MaxIterations: 1},
		OnResult: func(_ context.Context, e model.Entity, res model.EntityResult) {
			mu.Lock()
			seen = append(seen, e.ID+":"+string(res.Status))
			mu.Unlock()
		},
	})

	sum, err := b.Run(context.Background(), []model.Entity{
		{ID: "acme.com", Name: "Acme"},
		{ID: "bad.com", Name: "Bad"},
		{ID: "globex.com", Name: "Globex"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Complete)
	assert.Equal(t, 1, sum.FailedCount)
	assert.Equal(t, 1, sum.Requeued)
	assert.False(t, sum.Failed())
	require.Len(t, sum.Results, 3)
	assert.Equal(t, "bad.com", sum.Results[1].EntityID, "results keep input order")
	assert.ElementsMatch(t, []string{"acme.com:complete", "bad.com:failed", "globex.com:complete"}, seen)

	n, err := dlq.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBatch_ArchivedEntitiesSkipped(t *testing.T) {
	v := new(mockValidator)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(acceptReport(0.9), nil)
	r, snaps := newTestRunner(t, &scriptedDiscoverer{}, v)

	l := ledger.New("old.com", "Old", snaps.Calc, 0)
	l.Archive()
	require.NoError(t, snaps.Save(l))

	dlq := store.NewMemory()
	b := NewBatch(r, dlq, BatchConfig{Workers: 2, Options: Options{MaxIterations: 1}})
	sum, err := b.Run(context.Background(), []model.Entity{
		{ID: "acme.com", Name: "Acme"},
		{ID: "old.com", Name: "Old"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Complete)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.FailedCount)
	assert.Equal(t, model.RunSkipped, sum.Results[1].Status)
	n, err := dlq.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBatch_RunEmpty(t *testing.T) {
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, new(mockValidator))
	sum, err := NewBatch(r, nil, BatchConfig{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)
	assert.False(t, sum.Failed())
}

func TestBatch_NonRetryableFailureNotQueued(t *testing.T) {
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, new(mockValidator))
	dlq := store.NewMemory()

	sum, err := NewBatch(r, dlq, BatchConfig{}).Run(context.Background(), []model.Entity{{Name: "no id"}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FailedCount)
	assert.Equal(t, 0, sum.Requeued)
	assert.True(t, sum.Failed())
}

func TestBatch_RetryDLQ(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	dlq := store.NewMemory()

	ok := resilience.NewDLQEntry(model.Entity{ID: "acme.com", Name: "Acme"},
		resilience.NewTransientError(errors.New("timeout"), 0), 3, now.Add(-time.Hour))
	bad := resilience.NewDLQEntry(model.Entity{ID: "bad.com", Name: "Bad"},
		resilience.NewTransientError(errors.New("timeout"), 0), 3, now.Add(-time.Hour))
	notDue := resilience.NewDLQEntry(model.Entity{ID: "later.com"},
		resilience.NewTransientError(errors.New("timeout"), 0), 3, now)
	for _, e := range []resilience.DLQEntry{ok, bad, notDue} {
		require.NoError(t, dlq.EnqueueDLQ(ctx, e))
	}

	v := new(mockValidator)
	v.On("Validate", mock.Anything, entityIs("bad.com"), mock.Anything).Return(failingReport(), nil)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(acceptReport(0.9), nil)
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, v)

	b := NewBatch(r, dlq, BatchConfig{Workers: 2, Options: Options{MaxIterations: 1}})
	b.now = func() time.Time { return now }

	sum, err := b.RetryDLQ(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Complete)
	assert.Equal(t, 1, sum.Requeued)

	n, err := dlq.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the retried success is removed, the failure and the not-due entry remain")

	due, err := dlq.DequeueDLQ(ctx, resilience.DLQFilter{DueBefore: now.Add(24 * time.Hour)})
	require.NoError(t, err)
	var bumped *resilience.DLQEntry
	for i := range due {
		if due[i].ID == bad.ID {
			bumped = &due[i]
		}
	}
	require.NotNil(t, bumped)
	assert.Equal(t, 1, bumped.RetryCount)
	assert.True(t, bumped.NextRetryAt.After(now))
}

func TestBatch_RetryDLQDropsExhaustedEntry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	dlq := store.NewMemory()

	last := resilience.NewDLQEntry(model.Entity{ID: "bad.com", Name: "Bad"},
		resilience.NewTransientError(errors.New("timeout"), 0), 2, now.Add(-2*time.Hour))
	last.Bump(resilience.NewTransientError(errors.New("timeout"), 0), now.Add(-2*time.Hour))
	require.NoError(t, dlq.EnqueueDLQ(ctx, last))

	v := new(mockValidator)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(failingReport(), nil)
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, v)

	b := NewBatch(r, dlq, BatchConfig{Workers: 1, Options: Options{MaxIterations: 1}})
	b.now = func() time.Time { return now }

	sum, err := b.RetryDLQ(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.FailedCount)
	assert.Equal(t, 0, sum.Requeued)

	n, err := dlq.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBatch_RetryDLQWithoutQueue(t *testing.T) {
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, new(mockValidator))
	_, err := NewBatch(r, nil, BatchConfig{}).RetryDLQ(context.Background(), 10)
	assert.Error(t, err)
}

func TestSummary_Failed(t *testing.T) {
	tests := []struct {
		name string
		sum  Summary
		want bool
	}{
		{"empty", Summary{}, false},
		{"all complete", Summary{Complete: 3}, false},
		{"tie", Summary{Complete: 1, FailedCount: 1}, false},
		{"partial counts as success", Summary{Partial: 2, FailedCount: 2}, false},
		{"more failures", Summary{Complete: 1, Partial: 1, FailedCount: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sum.Failed())
		})
	}
}
