// Package ledger keeps the per-entity confidence ledger: a clamped running
// confidence, its append-only history, accepted signal buckets and the
// token usage that prices the run.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/model"
)

// Ledger is the confidence accumulator for one entity. It is mutated only
// through AddIteration and Archive and is safe for concurrent readers.
type Ledger struct {
	mu sync.RWMutex

	entityID   string
	entityName string
	confidence float64
	history    []model.HistoryEntry
	explored   map[string]struct{}
	buckets    map[model.Decision][]model.Signal
	usage      map[string]model.TokenTotals
	costUSD    float64
	maxCostUSD float64
	iterations int
	status     model.RunStatus
	archived   bool
	createdAt  time.Time
	updatedAt  time.Time

	calc *cost.Calculator
	now  func() time.Time
}

// New creates an empty ledger. A maxCostUSD of 0 disables the budget cap.
func New(entityID, entityName string, calc *cost.Calculator, maxCostUSD float64) *Ledger {
	l := &Ledger{
		entityID:   entityID,
		entityName: entityName,
		explored:   make(map[string]struct{}),
		buckets:    make(map[model.Decision][]model.Signal),
		usage:      make(map[string]model.TokenTotals),
		maxCostUSD: maxCostUSD,
		calc:       calc,
		now:        time.Now,
	}
	l.createdAt = l.now().UTC()
	l.updatedAt = l.createdAt
	return l
}

// AddIteration folds one iteration into the ledger: the confidence moves by
// the iteration's delta and is clamped to [0,1], a history entry is always
// appended, ACCEPT iterations add their signals to the accepted bucket, and
// every tool call is priced under its price key.
func (l *Ledger) AddIteration(it model.Iteration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.iterations++
	number := it.Number
	if number == 0 {
		number = l.iterations
	}

	l.confidence = model.Clamp(l.confidence + it.ConfidenceDelta)

	for _, d := range it.ExploredDomains {
		if d = model.NormalizeDomain(d); d != "" {
			l.explored[d] = struct{}{}
		}
	}

	if it.Decision == model.DecisionAccept && len(it.PatternsFound) > 0 {
		for _, s := range it.PatternsFound {
			l.buckets[model.DecisionAccept] = append(l.buckets[model.DecisionAccept], s.Clone())
		}
	}

	for _, c := range it.ToolCalls {
		t := l.usage[c.PriceKey]
		t.Add(c)
		l.usage[c.PriceKey] = t
	}
	l.recomputeCost()

	at := it.StartedAt
	if at.IsZero() {
		at = l.now()
	}
	at = at.Add(time.Duration(it.DurationMs) * time.Millisecond).UTC()

	l.history = append(l.history, model.HistoryEntry{
		Iteration:  number,
		Decision:   it.Decision,
		Delta:      it.ConfidenceDelta,
		Confidence: l.confidence,
		Signals:    len(it.PatternsFound),
		CostUSD:    l.costUSD,
		At:         at,
	})
	l.updatedAt = at
}

// recomputeCost prices the usage totals from scratch. Callers hold mu.
func (l *Ledger) recomputeCost() {
	if l.calc == nil {
		l.costUSD = 0
		return
	}
	l.costUSD = l.calc.Total(l.usage).InexactFloat64()
}

// Confidence returns the current clamped confidence.
func (l *Ledger) Confidence() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.confidence
}

// EntityID returns the entity the ledger tracks.
func (l *Ledger) EntityID() string { return l.entityID }

// EntityName returns the entity's display name.
func (l *Ledger) EntityName() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entityName
}

// EstimatedCostUSD returns the cost of every priced call so far.
func (l *Ledger) EstimatedCostUSD() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.costUSD
}

// Iterations returns the number of iterations applied.
func (l *Ledger) Iterations() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.iterations
}

// BudgetExhausted reports whether the cost cap has been reached.
func (l *Ledger) BudgetExhausted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxCostUSD > 0 && l.costUSD >= l.maxCostUSD
}

// SetMaxCost changes the budget cap for subsequent iterations.
func (l *Ledger) SetMaxCost(maxCostUSD float64) {
	l.mu.Lock()
	l.maxCostUSD = maxCostUSD
	l.mu.Unlock()
}

// SetStatus records the outcome of the latest run.
func (l *Ledger) SetStatus(s model.RunStatus) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

// Status returns the outcome of the latest run.
func (l *Ledger) Status() model.RunStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Archive marks the ledger archived. Archived ledgers are kept but skipped
// by batch runs.
func (l *Ledger) Archive() {
	l.mu.Lock()
	l.archived = true
	l.updatedAt = l.now().UTC()
	l.mu.Unlock()
}

// Archived reports whether the ledger has been archived.
func (l *Ledger) Archived() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.archived
}

// History returns a copy of the confidence history.
func (l *Ledger) History() []model.HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.HistoryEntry(nil), l.history...)
}

// ExploredDomains returns the explored domains, sorted.
func (l *Ledger) ExploredDomains() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.explored)
}

// HasExplored reports whether domain has been explored.
func (l *Ledger) HasExplored(domain string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.explored[model.NormalizeDomain(domain)]
	return ok
}

// Accepted returns copies of the signals accepted so far.
func (l *Ledger) Accepted() []model.Signal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.buckets[model.DecisionAccept]
	out := make([]model.Signal, len(src))
	for i, s := range src {
		out[i] = s.Clone()
	}
	return out
}

// ClassBuckets splits the accepted signals for category into the three
// hypothesis classes. An empty category selects every accepted signal.
func (l *Ledger) ClassBuckets(category string) model.SignalBuckets {
	return model.SplitBuckets(l.Accepted(), category)
}

// Categories returns the categories that have accepted signals.
func (l *Ledger) Categories() []string {
	return model.Categories(l.Accepted())
}

// Usage returns a copy of the per price-key totals.
func (l *Ledger) Usage() map[string]model.TokenTotals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]model.TokenTotals, len(l.usage))
	for k, v := range l.usage {
		out[k] = v
	}
	return out
}

// Tokens returns total input and output tokens across price keys.
func (l *Ledger) Tokens() (input, output int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.usage {
		input += t.InputTokens
		output += t.OutputTokens
	}
	return input, output
}

// DecisionFor classifies an iteration from its candidate and survivor
// counts.
func DecisionFor(candidates, survivors int) model.Decision {
	switch {
	case survivors > 0:
		return model.DecisionAccept
	case candidates > 0:
		return model.DecisionReject
	default:
		return model.DecisionNoProgress
	}
}

// DeltaFor moves the current confidence a step toward the mean final
// confidence of the survivors. It is zero when nothing survived.
func DeltaFor(current float64, survivors []model.Signal, step float64) float64 {
	if len(survivors) == 0 {
		return 0
	}
	var sum float64
	for _, s := range survivors {
		sum += s.FinalConfidence
	}
	mean := sum / float64(len(survivors))
	return step * (mean - current)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
