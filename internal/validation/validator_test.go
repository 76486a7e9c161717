package validation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/enrich"
	"github.com/sells-group/readiness-cli/internal/evidence"
	"github.com/sells-group/readiness-cli/internal/ledger"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/store"
	"github.com/sells-group/readiness-cli/internal/verify"
)

var (
	now  = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	acme = model.Entity{ID: "acme.com", Name: "Acme Corp", Domain: "acme.com"}
)

// tiers are listed out of price order on purpose.
var tiers = []verify.TierModel{
	{Tier: model.TierExpensive, Model: "opus"},
	{Tier: model.TierCheap, Model: "haiku"},
	{Tier: model.TierMid, Model: "sonnet"},
}

func tierModel(tier model.Tier) string {
	for _, tm := range tiers {
		if tm.Tier == tier {
			return tm.Model
		}
	}
	return ""
}

func testCalculator() *cost.Calculator {
	return cost.NewCalculator(cost.Rates{Anthropic: map[string]cost.ModelRate{
		"haiku":  {Input: 1, Output: 5},
		"sonnet": {Input: 3, Output: 15},
		"opus":   {Input: 15, Output: 75},
	}})
}

type reply struct {
	validated bool
	adj       float64
	err       error
}

// scriptedVerifier answers per tier, optionally per signal ID, and records
// the order of calls.
type scriptedVerifier struct {
	mu       sync.Mutex
	byTier   map[model.Tier]reply
	bySignal map[string]map[model.Tier]reply
	calls    []model.Tier
}

func (s *scriptedVerifier) Evaluate(ctx context.Context, tier model.Tier, pc verify.PromptContext) (*verify.Judgment, error) {
	s.mu.Lock()
	s.calls = append(s.calls, tier)
	r, ok := s.bySignal[pc.Signal.ID][tier]
	if !ok {
		r = s.byTier[tier]
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call := model.ToolCall{Tool: model.ToolVerifier, Tier: tier, PriceKey: tierModel(tier), InputTokens: 100, OutputTokens: 10}
	if r.err != nil {
		call.Error = r.err.Error()
		return &verify.Judgment{Call: call}, r.err
	}
	return &verify.Judgment{Validated: r.validated, Adjustment: r.adj, Rationale: "scripted", Call: call}, nil
}

func (s *scriptedVerifier) tierCalls() []model.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Tier(nil), s.calls...)
}

func strongEvidence(n int) []model.Evidence {
	out := make([]model.Evidence, n)
	for i := range out {
		out[i] = model.Evidence{
			Source:           "https://sam.gov/opp/" + string(rune('a'+i)),
			Kind:             model.EvidenceProcurementPortal,
			CredibilityScore: 0.9,
			Date:             now,
		}
	}
	return out
}

func cand(id string, conf float64, ev []model.Evidence) model.Signal {
	return model.Signal{
		ID:         id,
		Type:       model.SignalRFPDetected,
		Category:   "cloud",
		Confidence: conf,
		EntityID:   acme.ID,
		Evidence:   ev,
		FirstSeen:  now,
	}
}

func newValidator(t *testing.T, v verify.Verifier, enricher Enricher, st store.SignalStore, mutate func(*Config)) *Validator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	val, err := New(v, tiers, testCalculator(), enricher, st, cfg)
	require.NoError(t, err)
	return val
}

func TestNew_SortsTiersByUnitPrice(t *testing.T) {
	val := newValidator(t, &scriptedVerifier{}, nil, store.NewMemory(), nil)
	got := val.Tiers()
	require.Len(t, got, 3)
	assert.Equal(t, []model.Tier{model.TierCheap, model.TierMid, model.TierExpensive},
		[]model.Tier{got[0].Tier, got[1].Tier, got[2].Tier})

	_, err := New(nil, tiers, testCalculator(), nil, store.NewMemory(), DefaultConfig())
	require.Error(t, err)
	_, err = New(&scriptedVerifier{}, nil, testCalculator(), nil, store.NewMemory(), DefaultConfig())
	require.Error(t, err)
	_, err = New(&scriptedVerifier{}, tiers, testCalculator(), nil, nil, DefaultConfig())
	require.Error(t, err)
}

func TestNew_RejectsUnpricedTierModel(t *testing.T) {
	withNewOpus := []verify.TierModel{
		{Tier: model.TierCheap, Model: "claude-haiku-4-5-20251001"},
		{Tier: model.TierMid, Model: "claude-sonnet-4-5-20250929"},
		{Tier: model.TierExpensive, Model: "claude-opus-4-1"},
	}
	calc := cost.NewCalculator(cost.DefaultRates())

	_, err := New(&scriptedVerifier{}, withNewOpus, calc, nil, store.NewMemory(), DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claude-opus-4-1")

	_, err = New(&scriptedVerifier{}, withNewOpus, nil, nil, store.NewMemory(), DefaultConfig())
	require.Error(t, err)

	withNewOpus[2].Model = "claude-opus-4-6"
	val, err := New(&scriptedVerifier{}, withNewOpus, calc, nil, store.NewMemory(), DefaultConfig())
	require.NoError(t, err)
	got := val.Tiers()
	assert.Equal(t, model.TierCheap, got[0].Tier)
	assert.Equal(t, model.TierExpensive, got[2].Tier)
}

func TestValidate_CascadeEscalationCost(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{
		model.TierCheap: {validated: false},
		model.TierMid:   {validated: true, adj: 0.05},
	}}
	calc := testCalculator()
	val := newValidator(t, sv, nil, store.NewMemory(), nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.80, strongEvidence(3))})
	require.NoError(t, err)
	require.Len(t, report.Survivors, 1)
	assert.Equal(t, []model.Tier{model.TierCheap, model.TierMid}, sv.tierCalls())
	require.Len(t, report.ToolCalls, 2)

	l := ledger.New(acme.ID, acme.Name, calc, 0)
	l.AddIteration(model.Iteration{
		Number:        1,
		Decision:      model.DecisionAccept,
		PatternsFound: report.Survivors,
		ToolCalls:     report.ToolCalls,
	})

	// haiku: 100 in * $1 + 10 out * $5; sonnet: 100 in * $3 + 10 out * $15 (per Mtok).
	cheap := (100*1.0 + 10*5.0) / 1e6
	mid := (100*3.0 + 10*15.0) / 1e6
	assert.InDelta(t, cheap+mid, l.EstimatedCostUSD(), 1e-12)
	usage := l.Usage()
	assert.Equal(t, int64(1), usage["haiku"].Calls)
	assert.Equal(t, int64(1), usage["sonnet"].Calls)
	assert.NotContains(t, usage, "opus")
}

func TestValidate_CheapTierAcceptsAndPersists(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{model.TierCheap: {validated: true, adj: 0.05}}}
	st := store.NewMemory()
	val := newValidator(t, sv, nil, st, nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.80, strongEvidence(3))})
	require.NoError(t, err)
	require.Len(t, report.Survivors, 1)

	s := report.Survivors[0]
	assert.True(t, s.Validated)
	assert.Equal(t, 3, s.ValidationPass)
	assert.InDelta(t, 0.80, s.Pass1Confidence, 1e-9)
	assert.InDelta(t, 0.85, s.Pass2Confidence, 1e-9)
	assert.InDelta(t, 0.85, s.FinalConfidence, 1e-9)
	assert.InDelta(t, 0.85, s.Confidence, 1e-9)
	require.Len(t, s.Verdicts, 1)
	assert.Equal(t, "haiku", s.Verdicts[0].Model)

	assert.Equal(t, []model.Tier{model.TierCheap}, sv.tierCalls())
	assert.Equal(t, 1, report.TierCalls[model.TierCheap])

	stored, err := st.Query(context.Background(), acme.ID, store.SignalFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "s1", stored[0].ID)
}

func TestValidate_Pass1Rejections(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{model.TierCheap: {validated: true}}}
	val := newValidator(t, sv, nil, store.NewMemory(), nil)

	weak := strongEvidence(3)
	for i := range weak {
		weak[i].CredibilityScore = 0.4
	}
	other := cand("other", 0.9, strongEvidence(3))
	other.EntityID = "globex.com"
	badType := cand("bad", 0.9, strongEvidence(3))
	badType.Type = "PRESS_RELEASE"

	report, err := val.Validate(context.Background(), acme, []model.Signal{
		cand("low", 0.69, strongEvidence(3)),
		cand("thin", 0.9, strongEvidence(2)),
		cand("weak", 0.9, weak),
		other,
		badType,
	})
	require.NoError(t, err)
	assert.Empty(t, report.Survivors)

	reasons := map[string]string{}
	for _, r := range report.RejectedInPass(1) {
		reasons[r.SignalID] = r.Reason
	}
	assert.Equal(t, "confidence below threshold", reasons["low"])
	assert.Equal(t, "insufficient evidence", reasons["thin"])
	assert.Equal(t, "evidence credibility below floor", reasons["weak"])
	assert.Equal(t, "entity mismatch", reasons["other"])
	assert.Contains(t, reasons["bad"], "unknown type")

	// Nothing reached the verifier.
	assert.Empty(t, sv.tierCalls())
	assert.Empty(t, report.ToolCalls)
}

func TestValidate_CascadeEscalatesInPriceOrder(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{
		model.TierCheap: {validated: false, adj: -0.05},
		model.TierMid:   {err: errors.New("timeout")},
		model.TierExpensive: {
			validated: true, adj: 0.4, // clamped to the bound
		},
	}}
	val := newValidator(t, sv, nil, store.NewMemory(), nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.75, strongEvidence(4))})
	require.NoError(t, err)
	require.Len(t, report.Survivors, 1)

	assert.Equal(t, []model.Tier{model.TierCheap, model.TierMid, model.TierExpensive}, sv.tierCalls())
	s := report.Survivors[0]
	assert.InDelta(t, 0.90, s.Pass2Confidence, 1e-9)
	require.Len(t, s.Verdicts, 3)
	assert.False(t, s.Verdicts[0].Validated)
	assert.Equal(t, "timeout", s.Verdicts[1].Error)
	assert.InDelta(t, 0.15, s.Verdicts[2].Adjustment, 1e-9)
	assert.Zero(t, report.TerminalFailures)

	// Every tier call is priced, including the failed one.
	require.Len(t, report.ToolCalls, 3)
	assert.Equal(t, "timeout", report.ToolCalls[1].Error)
}

func TestValidate_TerminalTierAcceptedUnconditionally(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{
		model.TierCheap:     {validated: false},
		model.TierMid:       {validated: false},
		model.TierExpensive: {validated: false, adj: -0.03},
	}}
	val := newValidator(t, sv, nil, store.NewMemory(), nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.80, strongEvidence(3))})
	require.NoError(t, err)
	require.Len(t, report.Survivors, 1)
	assert.InDelta(t, 0.77, report.Survivors[0].Confidence, 1e-9)
}

func TestValidate_TerminalTierNegativeDropsBelowThreshold(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{
		model.TierCheap:     {validated: false},
		model.TierMid:       {validated: false},
		model.TierExpensive: {validated: false, adj: -0.15},
	}}
	val := newValidator(t, sv, nil, store.NewMemory(), nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.80, strongEvidence(3))})
	require.NoError(t, err)
	assert.Empty(t, report.Survivors)
	rejected := report.RejectedInPass(3)
	require.Len(t, rejected, 1)
	assert.Equal(t, "final confidence below threshold", rejected[0].Reason)
}

func TestValidate_TerminalFailureFallsBackToAccept(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{
		model.TierCheap:     {err: errors.New("circuit breaker is open")},
		model.TierMid:       {validated: false},
		model.TierExpensive: {err: verify.ErrMalformedResponse},
	}}
	val := newValidator(t, sv, nil, store.NewMemory(), nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.80, strongEvidence(3))})
	require.NoError(t, err)
	require.Len(t, report.Survivors, 1)
	assert.Equal(t, 1, report.TerminalFailures)

	s := report.Survivors[0]
	assert.InDelta(t, 0.80, s.Pass2Confidence, 1e-9)
	last := s.Verdicts[len(s.Verdicts)-1]
	assert.True(t, last.Fallback)
	assert.True(t, last.Validated)
	assert.Zero(t, last.Adjustment)
}

func TestValidate_TerminalAcceptDisabled(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{
		model.TierCheap:     {validated: false},
		model.TierMid:       {validated: false},
		model.TierExpensive: {validated: false, adj: 0.1},
	}}
	val := newValidator(t, sv, nil, store.NewMemory(), func(c *Config) { c.TerminalAccept = false })

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.80, strongEvidence(3))})
	require.NoError(t, err)
	assert.Empty(t, report.Survivors)
	require.Len(t, report.RejectedInPass(2), 1)

	sv.byTier[model.TierExpensive] = reply{err: errors.New("down")}
	report, err = val.Validate(context.Background(), acme, []model.Signal{cand("s2", 0.80, strongEvidence(3))})
	require.NoError(t, err)
	assert.Empty(t, report.Survivors)
	assert.Equal(t, 1, report.TerminalFailures)
}

func TestValidate_ColdEntityEnrichedButStillWeak(t *testing.T) {
	// The fresh lookup returns two low-credibility hits: the count gate is
	// met but the average stays under the floor.
	src := &evidence.FixtureSource{Searches: map[string][]evidence.SearchHit{
		"acme": {
			{URL: "https://randomblog.net/acme-1"},
			{URL: "https://www.linkedin.com/posts/acme"},
		},
	}}
	en := enrich.New(store.NewMemory(), src, enrich.Config{})
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{model.TierCheap: {validated: true}}}
	st := store.NewMemory()
	val := newValidator(t, sv, en, st, nil)

	single := []model.Evidence{{Source: "https://acme.com/blog", Kind: model.EvidenceCompanySite, CredibilityScore: 0.65, Date: now}}
	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("cold", 0.92, single)})
	require.NoError(t, err)

	assert.Empty(t, report.Survivors)
	assert.Equal(t, 1, report.Enriched)
	rejected := report.RejectedInPass(1)
	require.Len(t, rejected, 1)
	assert.Equal(t, "evidence credibility below floor", rejected[0].Reason)
	assert.Empty(t, sv.tierCalls())
	assert.Len(t, src.Queries(), 1)

	// The search call is still priced.
	require.Len(t, report.ToolCalls, 1)
	assert.Equal(t, model.ToolSearch, report.ToolCalls[0].Tool)

	stored, err := st.Query(context.Background(), acme.ID, store.SignalFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestValidate_EnrichmentRescuesThinCandidate(t *testing.T) {
	src := &evidence.FixtureSource{Searches: map[string][]evidence.SearchHit{
		"acme": {
			{URL: "https://sam.gov/opp/1"},
			{URL: "https://www.sec.gov/filing/2"},
		},
	}}
	en := enrich.New(nil, src, enrich.Config{})
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{model.TierCheap: {validated: true}}}
	val := newValidator(t, sv, en, store.NewMemory(), nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("thin", 0.8, strongEvidence(1))})
	require.NoError(t, err)
	require.Len(t, report.Survivors, 1)
	assert.Len(t, report.Survivors[0].Evidence, 3)
	assert.Len(t, src.Queries(), 1)
}

func TestValidate_ConcurrentCandidatesKeepInputOrder(t *testing.T) {
	sv := &scriptedVerifier{
		byTier: map[model.Tier]reply{model.TierCheap: {validated: true}},
		bySignal: map[string]map[model.Tier]reply{
			"s3": {model.TierCheap: {validated: false}, model.TierMid: {validated: true, adj: 0.02}},
		},
	}
	val := newValidator(t, sv, nil, store.NewMemory(), func(c *Config) { c.Concurrency = 3 })

	var candidates []model.Signal
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		candidates = append(candidates, cand(id, 0.8, strongEvidence(3)))
	}
	report, err := val.Validate(context.Background(), acme, candidates)
	require.NoError(t, err)
	require.Len(t, report.Survivors, 6)
	for i, s := range report.Survivors {
		assert.Equal(t, candidates[i].ID, s.ID)
	}
	assert.Equal(t, 6, report.TierCalls[model.TierCheap])
	assert.Equal(t, 1, report.TierCalls[model.TierMid])
	assert.Len(t, report.ToolCalls, 7)
}

type failingStore struct{ store.SignalStore }

func (failingStore) Upsert(context.Context, model.Signal) error {
	return errors.New("connection refused")
}

func TestValidate_StoreFailureSurfaces(t *testing.T) {
	sv := &scriptedVerifier{byTier: map[model.Tier]reply{model.TierCheap: {validated: true}}}
	val := newValidator(t, sv, nil, failingStore{}, nil)

	report, err := val.Validate(context.Background(), acme, []model.Signal{cand("s1", 0.8, strongEvidence(3))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist signal s1")
	require.NotNil(t, report)
	assert.Empty(t, report.Survivors)
}

func TestValidate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sv := &scriptedVerifier{byTier: map[model.Tier]reply{model.TierCheap: {validated: true}}}
	val := newValidator(t, sv, nil, store.NewMemory(), nil)

	report, err := val.Validate(ctx, acme, []model.Signal{cand("s1", 0.8, strongEvidence(3))})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Survivors)
}

func TestClampAdjustment(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.15, ClampAdjustment(0.9, 0.15), 1e-9)
	assert.InDelta(t, -0.15, ClampAdjustment(-0.2, 0.15), 1e-9)
	assert.InDelta(t, 0.05, ClampAdjustment(0.05, 0.15), 1e-9)
}

func TestTopEvidence(t *testing.T) {
	t.Parallel()

	ev := []model.Evidence{
		{Source: "a", CredibilityScore: 0.5},
		{Source: "b", CredibilityScore: 0.9},
		{Source: "c", CredibilityScore: 0.5},
		{Source: "d", CredibilityScore: 0.7},
	}
	top := TopEvidence(ev, 3)
	require.Len(t, top, 3)
	assert.Equal(t, []string{"b", "d", "a"}, []string{top[0].Source, top[1].Source, top[2].Source})
	assert.Equal(t, "a", ev[0].Source)
	assert.Len(t, TopEvidence(ev, 0), 4)
}
