package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/discovery"
	"github.com/sells-group/readiness-cli/internal/hypothesis"
	"github.com/sells-group/readiness-cli/internal/ledger"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/internal/validation"
)

var acme = model.Entity{ID: "acme.com", Name: "Acme", Domain: "acme.com"}

func testCalc() *cost.Calculator {
	return cost.NewCalculator(cost.Rates{
		Anthropic: map[string]cost.ModelRate{"haiku": {Input: 1, Output: 5}},
	})
}

// scriptedDiscoverer returns one candidate per call and records the
// iteration numbers it was asked for.
type scriptedDiscoverer struct {
	mu         sync.Mutex
	iterations []int
	empty      bool
	// inputTokens prices each call at $1 per million tokens.
	inputTokens int64
	err         error
	onCall      func()
}

func (d *scriptedDiscoverer) Discover(ctx context.Context, entity model.Entity, iteration int, _ func(string) bool) (*discovery.Result, error) {
	d.mu.Lock()
	d.iterations = append(d.iterations, iteration)
	d.mu.Unlock()
	if d.onCall != nil {
		d.onCall()
	}

	res := &discovery.Result{
		Query:           entity.Name + " rfp",
		ExploredDomains: []string{"news.example.com"},
	}
	if d.inputTokens > 0 {
		res.ToolCalls = []model.ToolCall{{Tool: model.ToolDetector, PriceKey: "haiku", InputTokens: d.inputTokens}}
	}
	if d.err != nil {
		return res, d.err
	}
	if !d.empty {
		res.Candidates = []model.Signal{{ID: "sig-1", EntityID: entity.ID, Type: model.SignalRFPDetected, Category: "cloud", Confidence: 0.8}}
	}
	return res, nil
}

func (d *scriptedDiscoverer) calls() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.iterations...)
}

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) Validate(ctx context.Context, entity model.Entity, candidates []model.Signal) (*validation.Report, error) {
	args := m.Called(ctx, entity, candidates)
	r, _ := args.Get(0).(*validation.Report)
	return r, args.Error(1)
}

func survivor(final float64) model.Signal {
	return model.Signal{
		ID: "sig-1", EntityID: "acme.com", Type: model.SignalRFPDetected, Category: "cloud",
		Confidence: final, FinalConfidence: final, ValidationPass: 3, Validated: true,
	}
}

func acceptReport(final float64) *validation.Report {
	return &validation.Report{EntityID: "acme.com", Candidates: 1, Survivors: []model.Signal{survivor(final)}}
}

func newTestRunner(t *testing.T, d Discoverer, v CandidateValidator) (*Runner, ledger.Snapshots) {
	t.Helper()
	m, err := hypothesis.NewMachine(nil)
	require.NoError(t, err)
	snaps := ledger.Snapshots{Dir: t.TempDir(), Calc: testCalc()}
	r, err := NewRunner(d, v, hypothesis.NewService(m, hypothesis.NewMemoryCache()), snaps)
	require.NoError(t, err)
	return r, snaps
}

func TestRunEntity_AcceptsAndSnapshots(t *testing.T) {
	d := &scriptedDiscoverer{}
	v := new(mockValidator)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(acceptReport(0.9), nil)

	r, snaps := newTestRunner(t, d, v)
	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 2, DeltaStep: 0.5})
	require.NoError(t, err)

	assert.Equal(t, model.RunComplete, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, res.Validated)
	assert.InDelta(t, 0.675, res.Confidence, 1e-9)
	require.Len(t, res.States, 1)
	assert.Equal(t, "cloud", res.States[0].Category)
	assert.Equal(t, model.StateLive, res.States[0].State)
	assert.Equal(t, []int{1, 2}, d.calls())
	v.AssertNumberOfCalls(t, "Validate", 2)

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Iterations())
	assert.Equal(t, model.RunComplete, l.Status())
	assert.True(t, l.HasExplored("news.example.com"))
	require.Len(t, l.History(), 2)
	assert.Equal(t, model.DecisionAccept, l.History()[1].Decision)
}

func TestRunEntity_ResumesIterationNumbers(t *testing.T) {
	d := &scriptedDiscoverer{empty: true}
	r, _ := newTestRunner(t, d, new(mockValidator))

	_, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 2})
	require.NoError(t, err)
	_, err = r.RunEntity(context.Background(), acme, Options{MaxIterations: 1})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, d.calls())
}

func TestRunEntity_NoCandidatesIsNoProgress(t *testing.T) {
	d := &scriptedDiscoverer{empty: true}
	v := new(mockValidator)
	r, snaps := newTestRunner(t, d, v)

	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, res.Status)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Empty(t, res.States)
	v.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	for _, h := range l.History() {
		assert.Equal(t, model.DecisionNoProgress, h.Decision)
		assert.Equal(t, 0.0, h.Delta)
	}
}

func TestRunEntity_RejectedCandidates(t *testing.T) {
	v := new(mockValidator)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).
		Return(&validation.Report{Candidates: 1, Rejections: []validation.Rejection{{SignalID: "sig-1", Pass: 1, Reason: "low confidence"}}}, nil)
	r, snaps := newTestRunner(t, &scriptedDiscoverer{}, v)

	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Validated)

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionReject, l.History()[0].Decision)
	assert.Empty(t, l.Accepted())
}

func TestRunEntity_BudgetCap(t *testing.T) {
	// Each discovery costs $0.20; the cap is hit after the second iteration.
	d := &scriptedDiscoverer{empty: true, inputTokens: 200_000}
	r, snaps := newTestRunner(t, d, new(mockValidator))

	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 5, MaxCostUSD: 0.3})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.InDelta(t, 0.4, res.CostUSD, 1e-9)

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	assert.True(t, l.BudgetExhausted())
	assert.Equal(t, model.RunPartial, l.Status())

	t.Run("exhausted ledger runs nothing", func(t *testing.T) {
		res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 5, MaxCostUSD: 0.3})
		require.NoError(t, err)
		assert.Equal(t, model.RunPartial, res.Status)
		assert.Equal(t, 0, res.Iterations)
		assert.Len(t, d.calls(), 2)
	})
}

func TestRunEntity_TerminalFailureIsRetryable(t *testing.T) {
	v := new(mockValidator)
	report := acceptReport(0.8)
	report.TerminalFailures = 1
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(report, nil)
	r, snaps := newTestRunner(t, &scriptedDiscoverer{}, v)

	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 3})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, model.RunFailed, res.Status)
	assert.True(t, res.Retryable)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.Validated, "terminal failures are still accepted")

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, l.Status())
	assert.Len(t, l.Accepted(), 1)
}

func TestRunEntity_StoreFailure(t *testing.T) {
	v := new(mockValidator)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).
		Return(&validation.Report{Candidates: 1}, errors.New("store: connection refused"))
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, v)

	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 3})
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, res.Status)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Error, "connection refused")
}

func TestRunEntity_CancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &scriptedDiscoverer{empty: true, onCall: cancel}
	r, snaps := newTestRunner(t, d, new(mockValidator))

	res, err := r.RunEntity(ctx, acme, Options{MaxIterations: 3, IterationDelay: time.Hour})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunPartial, res.Status)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, res.Iterations)

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, l.Status())
}

func TestRunEntity_DiscoveryCancelledKeepsSpend(t *testing.T) {
	d := &scriptedDiscoverer{inputTokens: 100_000, err: context.Canceled}
	r, snaps := newTestRunner(t, d, new(mockValidator))

	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 3})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunPartial, res.Status)
	assert.InDelta(t, 0.1, res.CostUSD, 1e-9)

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Iterations())
}

func TestRunEntity_RequiresID(t *testing.T) {
	r, _ := newTestRunner(t, &scriptedDiscoverer{}, new(mockValidator))
	res, err := r.RunEntity(context.Background(), model.Entity{Name: "No Domain"}, Options{})
	assert.Error(t, err)
	assert.Equal(t, model.RunFailed, res.Status)
}

func TestValidateCandidates(t *testing.T) {
	v := new(mockValidator)
	v.On("Validate", mock.Anything, mock.Anything, mock.MatchedBy(func(c []model.Signal) bool {
		return len(c) == 1 && c[0].EntityID == "acme.com"
	})).Return(acceptReport(0.7), nil)
	d := &scriptedDiscoverer{}
	r, snaps := newTestRunner(t, d, v)

	res, err := r.ValidateCandidates(context.Background(), model.Entity{Domain: "https://www.acme.com/"},
		[]model.Signal{{ID: "sig-1", Type: model.SignalRFPDetected, Confidence: 0.8}}, Options{MaxCostUSD: 2})
	require.NoError(t, err)
	assert.Equal(t, "acme.com", res.EntityID)
	assert.Equal(t, 1, res.Iterations)
	assert.InDelta(t, 0.35, res.Confidence, 1e-9)
	assert.Empty(t, d.calls())
	v.AssertExpectations(t)

	l, err := snaps.Load("acme.com")
	require.NoError(t, err)
	require.Len(t, l.History(), 1)
	assert.Equal(t, model.DecisionAccept, l.History()[0].Decision)
}

// spentLedger stores a ledger for acme.com that has already spent $2.
func spentLedger(t *testing.T, snaps ledger.Snapshots) {
	t.Helper()
	l := ledger.New(acme.ID, acme.Name, snaps.Calc, 0)
	l.AddIteration(model.Iteration{
		Number:    1,
		Decision:  model.DecisionNoProgress,
		ToolCalls: []model.ToolCall{{Tool: model.ToolDetector, PriceKey: "haiku", InputTokens: 2_000_000}},
	})
	require.NoError(t, snaps.Save(l))
}

func TestValidateCandidates_BudgetExhausted(t *testing.T) {
	v := new(mockValidator)
	r, snaps := newTestRunner(t, &scriptedDiscoverer{}, v)
	spentLedger(t, snaps)

	res, err := r.ValidateCandidates(context.Background(), acme,
		[]model.Signal{{ID: "sig-1", Type: model.SignalRFPDetected, Confidence: 0.8}}, Options{MaxCostUSD: 1})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.InDelta(t, 2.0, res.CostUSD, 1e-9)
	v.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)

	l, err := snaps.Load(acme.ID)
	require.NoError(t, err)
	assert.Len(t, l.History(), 1)
	assert.Equal(t, model.RunPartial, l.Status())
}

func TestValidateCandidates_UnderBudgetRuns(t *testing.T) {
	v := new(mockValidator)
	v.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(acceptReport(0.7), nil)
	r, snaps := newTestRunner(t, &scriptedDiscoverer{}, v)
	spentLedger(t, snaps)

	res, err := r.ValidateCandidates(context.Background(), acme,
		[]model.Signal{{ID: "sig-1", Type: model.SignalRFPDetected, Confidence: 0.8}}, Options{MaxCostUSD: 5})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, res.Status)
	assert.Equal(t, 1, res.Iterations)
	v.AssertExpectations(t)
}

func TestRunEntity_ArchivedLedgerSkipped(t *testing.T) {
	d := &scriptedDiscoverer{}
	v := new(mockValidator)
	r, snaps := newTestRunner(t, d, v)

	l := ledger.New(acme.ID, acme.Name, snaps.Calc, 0)
	l.AddIteration(model.Iteration{Number: 1, Decision: model.DecisionNoProgress})
	l.Archive()
	require.NoError(t, snaps.Save(l))
	before, err := os.ReadFile(snaps.Path(acme.ID))
	require.NoError(t, err)

	res, err := r.RunEntity(context.Background(), acme, Options{MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, model.RunSkipped, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.Empty(t, d.calls())

	res, err = r.ValidateCandidates(context.Background(), acme,
		[]model.Signal{{ID: "sig-1", Type: model.SignalRFPDetected, Confidence: 0.8}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunSkipped, res.Status)
	v.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)

	after, err := os.ReadFile(snaps.Path(acme.ID))
	require.NoError(t, err)
	assert.Equal(t, before, after, "archived ledger is not rewritten")
}

func TestNewRunner_Validation(t *testing.T) {
	snaps := ledger.Snapshots{Dir: t.TempDir()}
	_, err := NewRunner(nil, new(mockValidator), nil, snaps)
	assert.Error(t, err)
	_, err = NewRunner(&scriptedDiscoverer{}, nil, nil, snaps)
	assert.Error(t, err)
	_, err = NewRunner(&scriptedDiscoverer{}, new(mockValidator), nil, nil)
	assert.Error(t, err)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("acme.com")
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Equal(t, 0, k.size())
}
