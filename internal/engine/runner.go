// Package engine drives the iterative validation loop: discovery, the
// three-pass validator and the confidence ledger for one entity, and a
// bounded worker pool across many entities.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/discovery"
	"github.com/sells-group/readiness-cli/internal/hypothesis"
	"github.com/sells-group/readiness-cli/internal/ledger"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/internal/validation"
)

// Discoverer produces the candidates for one iteration.
type Discoverer interface {
	Discover(ctx context.Context, entity model.Entity, iteration int, explored func(domain string) bool) (*discovery.Result, error)
}

// CandidateValidator runs candidates through the validation passes.
type CandidateValidator interface {
	Validate(ctx context.Context, entity model.Entity, candidates []model.Signal) (*validation.Report, error)
}

// StateEvaluator derives hypothesis states.
type StateEvaluator interface {
	Evaluate(ctx context.Context, req hypothesis.Request) (hypothesis.Result, error)
}

// LedgerStore loads and persists ledgers.
type LedgerStore interface {
	LoadOrNew(entity model.Entity, maxCostUSD float64) (*ledger.Ledger, error)
	Save(l *ledger.Ledger) error
}

// Options bound one entity run.
type Options struct {
	MaxIterations int
	// MaxCostUSD caps the ledger's estimated cost; 0 disables the cap.
	MaxCostUSD     float64
	IterationDelay time.Duration
	// DeltaStep scales how far one ACCEPT moves the confidence toward the
	// survivors' mean.
	DeltaStep float64
}

// DefaultOptions returns the run defaults.
func DefaultOptions() Options {
	return Options{
		MaxIterations:  5,
		MaxCostUSD:     2.0,
		IterationDelay: 2 * time.Second,
		DeltaStep:      0.5,
	}
}

// Runner runs the iteration loop for single entities.
type Runner struct {
	discoverer Discoverer
	validator  CandidateValidator
	states     StateEvaluator
	ledgers    LedgerStore
	locks      *keyedMutex
	now        func() time.Time
}

// NewRunner creates a Runner. states may be nil, in which case no
// hypothesis states are reported.
func NewRunner(d Discoverer, v CandidateValidator, states StateEvaluator, ledgers LedgerStore) (*Runner, error) {
	if d == nil {
		return nil, eris.New("engine: discoverer is required")
	}
	if v == nil {
		return nil, eris.New("engine: validator is required")
	}
	if ledgers == nil {
		return nil, eris.New("engine: ledger store is required")
	}
	return &Runner{
		discoverer: d,
		validator:  v,
		states:     states,
		ledgers:    ledgers,
		locks:      newKeyedMutex(),
		now:        time.Now,
	}, nil
}

// run carries the state of one RunEntity or ValidateCandidates call.
type run struct {
	entity    model.Entity
	ledger    *ledger.Ledger
	opts      Options
	status    model.RunStatus
	validated int
	ran       int
	touched   map[string]struct{}
	err       error
}

// RunEntity runs up to opts.MaxIterations iterations for entity. The budget
// is checked before each iteration; an exhausted budget or a cancelled
// context ends the run as partial. A terminal-tier failure or a store
// failure ends it as failed and retryable. The ledger is saved in every
// case. The returned error is non-nil for failed and cancelled runs.
func (r *Runner) RunEntity(ctx context.Context, entity model.Entity, opts Options) (model.EntityResult, error) {
	entity.Normalize()
	if entity.ID == "" {
		return model.EntityResult{Status: model.RunFailed, Error: "entity id is required"}, eris.New("engine: entity id is required")
	}
	opts = withDefaults(opts)

	unlock := r.locks.Lock(entity.ID)
	defer unlock()

	rn, err := r.begin(entity, opts)
	if err != nil {
		return failedResult(entity, err), err
	}
	if rn.ledger.Archived() {
		return skippedResult(rn), nil
	}
	log := zap.L().With(zap.String("entity_id", entity.ID))

	for i := 0; i < opts.MaxIterations; i++ {
		if rn.ledger.BudgetExhausted() {
			log.Info("engine: budget exhausted",
				zap.Float64("cost_usd", rn.ledger.EstimatedCostUSD()),
				zap.Float64("max_cost_usd", opts.MaxCostUSD),
			)
			rn.status = model.RunPartial
			break
		}
		if i > 0 && opts.IterationDelay > 0 {
			if err := sleep(ctx, opts.IterationDelay); err != nil {
				rn.cancel(err)
				break
			}
		}

		number := rn.ledger.Iterations() + 1
		started := r.now()
		disc, err := r.discoverer.Discover(ctx, entity, number, rn.ledger.HasExplored)
		if err != nil {
			if disc != nil {
				rn.ledger.AddIteration(model.Iteration{
					Number:    number,
					Decision:  model.DecisionNoProgress,
					ToolCalls: disc.ToolCalls,
					StartedAt: started,
				})
			}
			rn.cancel(err)
			break
		}
		if !r.apply(ctx, rn, number, disc, started) {
			break
		}
	}

	return r.finish(ctx, rn)
}

// ValidateCandidates applies one iteration built from caller-supplied
// candidates instead of discovery. opts.MaxCostUSD caps the ledger the same
// way it does for RunEntity; an exhausted budget returns a partial result
// without calling the validator.
func (r *Runner) ValidateCandidates(ctx context.Context, entity model.Entity, candidates []model.Signal, opts Options) (model.EntityResult, error) {
	entity.Normalize()
	if entity.ID == "" {
		return model.EntityResult{Status: model.RunFailed, Error: "entity id is required"}, eris.New("engine: entity id is required")
	}

	unlock := r.locks.Lock(entity.ID)
	defer unlock()

	rn, err := r.begin(entity, withDefaults(opts))
	if err != nil {
		return failedResult(entity, err), err
	}
	if rn.ledger.Archived() {
		return skippedResult(rn), nil
	}
	if rn.ledger.BudgetExhausted() {
		zap.L().Info("engine: budget exhausted, candidates not validated",
			zap.String("entity_id", entity.ID),
			zap.Int("candidates", len(candidates)),
			zap.Float64("cost_usd", rn.ledger.EstimatedCostUSD()),
			zap.Float64("max_cost_usd", rn.opts.MaxCostUSD),
		)
		rn.status = model.RunPartial
		return r.finish(ctx, rn)
	}
	for i := range candidates {
		if candidates[i].EntityID == "" {
			candidates[i].EntityID = entity.ID
		}
	}
	number := rn.ledger.Iterations() + 1
	r.apply(ctx, rn, number, &discovery.Result{Query: "candidates", Candidates: candidates}, r.now())
	return r.finish(ctx, rn)
}

func (r *Runner) begin(entity model.Entity, opts Options) (*run, error) {
	l, err := r.ledgers.LoadOrNew(entity, opts.MaxCostUSD)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: load ledger %s", entity.ID)
	}
	return &run{
		entity:  entity,
		ledger:  l,
		opts:    opts,
		status:  model.RunComplete,
		touched: make(map[string]struct{}),
	}, nil
}

// apply validates the discovered candidates and folds the iteration into
// the ledger. It reports whether the run may continue.
func (r *Runner) apply(ctx context.Context, rn *run, number int, disc *discovery.Result, started time.Time) bool {
	it := model.Iteration{
		Number:          number,
		Query:           disc.Query,
		ExploredDomains: disc.ExploredDomains,
		ToolCalls:       append([]model.ToolCall(nil), disc.ToolCalls...),
		StartedAt:       started,
	}

	var (
		report *validation.Report
		err    error
	)
	if len(disc.Candidates) > 0 {
		report, err = r.validator.Validate(ctx, rn.entity, disc.Candidates)
	}
	var survivors []model.Signal
	if report != nil {
		survivors = report.Survivors
		it.ToolCalls = append(it.ToolCalls, report.ToolCalls...)
	}

	it.Decision = ledger.DecisionFor(len(disc.Candidates), len(survivors))
	it.ConfidenceDelta = ledger.DeltaFor(rn.ledger.Confidence(), survivors, rn.opts.DeltaStep)
	it.PatternsFound = survivors
	it.DurationMs = r.now().Sub(started).Milliseconds()
	rn.ledger.AddIteration(it)
	rn.ran++
	rn.validated += len(survivors)
	for _, s := range survivors {
		rn.touched[s.CategoryOrDefault()] = struct{}{}
	}

	zap.L().Info("engine: iteration complete",
		zap.String("entity_id", rn.entity.ID),
		zap.Int("iteration", number),
		zap.String("decision", string(it.Decision)),
		zap.Int("candidates", len(disc.Candidates)),
		zap.Int("validated", len(survivors)),
		zap.Float64("confidence", rn.ledger.Confidence()),
		zap.Float64("cost_usd", rn.ledger.EstimatedCostUSD()),
	)

	switch {
	case err != nil && ctx.Err() != nil:
		rn.cancel(ctx.Err())
		return false
	case err != nil:
		rn.fail(eris.Wrapf(err, "engine: iteration %d", number))
		return false
	case report != nil && report.TerminalFailures > 0:
		rn.fail(eris.Errorf("engine: iteration %d: %d terminal verifier failures", number, report.TerminalFailures))
		return false
	}
	return true
}

func (rn *run) cancel(err error) {
	rn.status = model.RunPartial
	rn.err = err
}

// fail marks the run failed. Run failures are retryable by construction:
// permanent errors never get this far.
func (rn *run) fail(err error) {
	rn.status = model.RunFailed
	rn.err = resilience.NewTransientError(err, 0)
}

// finish evaluates hypothesis states for the touched categories, saves the
// ledger and builds the result.
func (r *Runner) finish(ctx context.Context, rn *run) (model.EntityResult, error) {
	l := rn.ledger
	res := model.EntityResult{
		EntityID:   rn.entity.ID,
		EntityName: rn.entity.Name,
		Iterations: rn.ran,
		Validated:  rn.validated,
	}

	if r.states != nil && len(rn.touched) > 0 {
		// States are still derived for a cancelled run from what was accepted.
		sctx := context.WithoutCancel(ctx)
		categories := make([]string, 0, len(rn.touched))
		for c := range rn.touched {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		for _, c := range categories {
			out, err := r.states.Evaluate(sctx, hypothesis.Request{
				EntityID:     rn.entity.ID,
				Category:     c,
				Buckets:      l.ClassBuckets(c),
				AsOf:         r.now(),
				ForceRefresh: true,
			})
			if err != nil {
				zap.L().Warn("engine: hypothesis evaluation failed",
					zap.String("entity_id", rn.entity.ID),
					zap.String("category", c),
					zap.Error(err),
				)
				continue
			}
			res.States = append(res.States, out.State)
		}
	}

	l.SetStatus(rn.status)
	if err := r.ledgers.Save(l); err != nil {
		zap.L().Error("engine: save ledger failed", zap.String("entity_id", rn.entity.ID), zap.Error(err))
		if rn.err == nil {
			rn.fail(err)
		}
	}

	res.Status = rn.status
	res.Confidence = l.Confidence()
	res.CostUSD = l.EstimatedCostUSD()
	if rn.err != nil {
		res.Error = rn.err.Error()
		res.Retryable = rn.status == model.RunFailed && resilience.IsTransient(rn.err)
	}
	return res, rn.err
}

// skippedResult reports an archived entity. The ledger is left untouched.
func skippedResult(rn *run) model.EntityResult {
	zap.L().Info("engine: ledger archived, skipping", zap.String("entity_id", rn.entity.ID))
	return model.EntityResult{
		EntityID:   rn.entity.ID,
		EntityName: rn.entity.Name,
		Status:     model.RunSkipped,
		Confidence: rn.ledger.Confidence(),
		CostUSD:    rn.ledger.EstimatedCostUSD(),
	}
}

func failedResult(entity model.Entity, err error) model.EntityResult {
	return model.EntityResult{
		EntityID:   entity.ID,
		EntityName: entity.Name,
		Status:     model.RunFailed,
		Error:      err.Error(),
		Retryable:  resilience.IsTransient(err),
	}
}

func withDefaults(o Options) Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.DeltaStep <= 0 {
		o.DeltaStep = d.DeltaStep
	}
	if o.IterationDelay < 0 {
		o.IterationDelay = 0
	}
	return o
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
