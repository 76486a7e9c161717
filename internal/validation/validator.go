// Package validation runs candidate signals through the three-pass
// evidence validation pipeline: a rule filter, an escalating verifier
// cascade and a final confirmation that persists survivors.
package validation

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/store"
	"github.com/sells-group/readiness-cli/internal/verify"
)

// Enricher appends corroborating evidence to a signal.
type Enricher interface {
	Enrich(ctx context.Context, entity model.Entity, sig model.Signal) (model.Signal, []model.ToolCall, error)
}

// Config holds the validator thresholds.
type Config struct {
	MinConfidence   float64
	MinEvidence     int
	MinCredibility  float64
	AdjustmentBound float64
	TopEvidence     int
	// TerminalAccept makes the most expensive tier's verdict final: its
	// candidates pass regardless of the validated flag.
	TerminalAccept bool
	Concurrency    int
}

// DefaultConfig returns the validator defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   0.70,
		MinEvidence:     3,
		MinCredibility:  0.60,
		AdjustmentBound: 0.15,
		TopEvidence:     5,
		TerminalAccept:  true,
		Concurrency:     4,
	}
}

// Validator is the three-pass validator.
type Validator struct {
	verifier verify.Verifier
	tiers    []verify.TierModel
	enricher Enricher
	store    store.SignalStore
	cfg      Config
}

// New creates a Validator. Tiers are ordered once by unit price so the
// cascade always escalates from cheapest to most expensive; the last tier
// is terminal. Every tier model must have a price in calc, otherwise its
// spend would go uncounted and it would sort as the cheapest tier.
func New(v verify.Verifier, tiers []verify.TierModel, calc *cost.Calculator, enricher Enricher, st store.SignalStore, cfg Config) (*Validator, error) {
	if v == nil {
		return nil, eris.New("validation: verifier is required")
	}
	if st == nil {
		return nil, eris.New("validation: signal store is required")
	}
	if calc == nil {
		return nil, eris.New("validation: cost calculator is required")
	}
	if len(tiers) == 0 {
		return nil, eris.New("validation: at least one verifier tier is required")
	}
	for _, tm := range tiers {
		if _, ok := calc.ModelRate(tm.Model); !ok {
			return nil, eris.Errorf("validation: %s tier model %q has no price in pricing.anthropic", tm.Tier, tm.Model)
		}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.TopEvidence <= 0 {
		cfg.TopEvidence = DefaultConfig().TopEvidence
	}

	sorted := append([]verify.TierModel(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := calc.UnitPrice(sorted[i].Model), calc.UnitPrice(sorted[j].Model)
		if pi != pj {
			return pi < pj
		}
		return sorted[i].Tier < sorted[j].Tier
	})

	return &Validator{
		verifier: v,
		tiers:    sorted,
		enricher: enricher,
		store:    st,
		cfg:      cfg,
	}, nil
}

// Tiers returns the cascade order.
func (v *Validator) Tiers() []verify.TierModel {
	return append([]verify.TierModel(nil), v.tiers...)
}

// Validate runs every candidate through the three passes and upserts the
// survivors. Candidates are processed concurrently; the report lists
// survivors in input order. A store failure aborts the batch and is
// returned alongside the partial report.
func (v *Validator) Validate(ctx context.Context, entity model.Entity, candidates []model.Signal) (*Report, error) {
	log := zap.L().With(zap.String("entity_id", entity.ID))
	outcomes := make([]outcome, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)
	for i, cand := range candidates {
		g.Go(func() error {
			o, err := v.validateOne(gctx, entity, cand)
			if err == nil && o.survivor != nil {
				if err = v.store.Upsert(gctx, *o.survivor); err != nil {
					err = eris.Wrapf(err, "validation: persist signal %s", o.survivor.ID)
				}
				o.persisted = err == nil
			}
			outcomes[i] = o
			return err
		})
	}
	err := g.Wait()

	report := newReport(entity.ID, outcomes)
	log.Info("validation: candidates processed",
		zap.Int("candidates", len(candidates)),
		zap.Int("validated", len(report.Survivors)),
		zap.Int("rejected", len(report.Rejections)),
		zap.Int("terminal_failures", report.TerminalFailures),
	)
	return report, err
}

type outcome struct {
	done            bool
	survivor        *model.Signal
	persisted       bool
	rejection       *Rejection
	calls           []model.ToolCall
	enriched        bool
	terminalFailure bool
}

func (v *Validator) validateOne(ctx context.Context, entity model.Entity, cand model.Signal) (outcome, error) {
	o := outcome{done: true}
	reject := func(pass int, reason string) (outcome, error) {
		o.rejection = &Rejection{SignalID: cand.ID, Type: cand.Type, Pass: pass, Reason: reason}
		return o, nil
	}

	sig, reason := v.passOne(ctx, entity, cand, &o)
	if reason != "" {
		return reject(1, reason)
	}
	if err := ctx.Err(); err != nil {
		return o, err
	}

	sig, reason, err := v.passTwo(ctx, entity, sig, &o)
	if err != nil {
		return o, err
	}
	if reason != "" {
		return reject(2, reason)
	}

	if sig.Pass2Confidence < v.cfg.MinConfidence {
		return reject(3, "final confidence below threshold")
	}
	sig.ValidationPass = 3
	sig.Validated = true
	sig.FinalConfidence = sig.Pass2Confidence
	sig.SetConfidence(sig.Pass2Confidence)
	o.survivor = &sig
	return o, nil
}

// passOne applies the rule filter. It returns the surviving signal or a
// rejection reason.
func (v *Validator) passOne(ctx context.Context, entity model.Entity, cand model.Signal, o *outcome) (model.Signal, string) {
	sig := cand.Clone()
	if sig.EntityID != entity.ID {
		return sig, "entity mismatch"
	}
	if err := sig.Check(); err != nil {
		return sig, err.Error()
	}
	if sig.Confidence < v.cfg.MinConfidence {
		return sig, "confidence below threshold"
	}

	if len(sig.Evidence) < v.cfg.MinEvidence && v.enricher != nil {
		enriched, calls, err := v.enricher.Enrich(ctx, entity, sig)
		o.calls = append(o.calls, calls...)
		o.enriched = true
		if err != nil {
			zap.L().Warn("validation: enrichment failed",
				zap.String("signal_id", sig.ID), zap.Error(err))
		} else {
			sig = enriched
		}
	}
	if len(sig.Evidence) < v.cfg.MinEvidence {
		return sig, "insufficient evidence"
	}
	if sig.AverageCredibility() < v.cfg.MinCredibility {
		return sig, "evidence credibility below floor"
	}

	sig.Pass1Confidence = sig.Confidence
	sig.ValidationPass = 1
	return sig, ""
}

// passTwo runs the verifier cascade. Failures and negative verdicts below
// the terminal tier escalate. A failing terminal tier accepts with zero
// adjustment when terminal acceptance is on.
func (v *Validator) passTwo(ctx context.Context, entity model.Entity, sig model.Signal, o *outcome) (model.Signal, string, error) {
	pc := verify.PromptContext{
		EntityName: entity.Name,
		Signal:     sig,
		Evidence:   TopEvidence(sig.Evidence, v.cfg.TopEvidence),
		Bound:      v.cfg.AdjustmentBound,
	}

	var adjustment float64
	accepted := false
	for i, tm := range v.tiers {
		terminal := i == len(v.tiers)-1

		j, err := v.verifier.Evaluate(ctx, tm.Tier, pc)
		if j != nil {
			o.calls = append(o.calls, j.Call)
		} else {
			o.calls = append(o.calls, model.ToolCall{Tool: model.ToolVerifier, Tier: tm.Tier, PriceKey: tm.Model, Error: errString(err)})
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sig, "", ctxErr
			}
			verdict := model.TierVerdict{Tier: tm.Tier, Model: tm.Model, Error: err.Error()}
			if !terminal {
				zap.L().Debug("validation: tier failed, escalating",
					zap.String("signal_id", sig.ID), zap.String("tier", tm.Tier.String()), zap.Error(err))
				sig.Verdicts = append(sig.Verdicts, verdict)
				continue
			}
			o.terminalFailure = true
			zap.L().Warn("validation: terminal tier failed",
				zap.String("signal_id", sig.ID),
				zap.String("model", tm.Model),
				zap.Bool("fallback_accept", v.cfg.TerminalAccept),
				zap.Error(err),
			)
			if !v.cfg.TerminalAccept {
				sig.Verdicts = append(sig.Verdicts, verdict)
				break
			}
			verdict.Validated = true
			verdict.Fallback = true
			sig.Verdicts = append(sig.Verdicts, verdict)
			accepted = true
			break
		}

		adj := ClampAdjustment(j.Adjustment, v.cfg.AdjustmentBound)
		sig.Verdicts = append(sig.Verdicts, model.TierVerdict{
			Tier:       tm.Tier,
			Model:      tm.Model,
			Validated:  j.Validated,
			Adjustment: adj,
			Rationale:  j.Rationale,
		})
		if j.Validated || (terminal && v.cfg.TerminalAccept) {
			adjustment = adj
			accepted = true
			break
		}
	}

	if !accepted {
		return sig, "rejected by verifier cascade", nil
	}
	sig.Pass2Confidence = model.Clamp(sig.Pass1Confidence + adjustment)
	sig.ValidationPass = 2
	return sig, "", nil
}

// ClampAdjustment bounds a proposed adjustment to [-bound, bound].
func ClampAdjustment(adj, bound float64) float64 {
	if adj > bound {
		return bound
	}
	if adj < -bound {
		return -bound
	}
	return adj
}

// TopEvidence returns up to n evidence items, highest credibility first.
// Ties keep their original order.
func TopEvidence(ev []model.Evidence, n int) []model.Evidence {
	out := append([]model.Evidence(nil), ev...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CredibilityScore > out[j].CredibilityScore
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
