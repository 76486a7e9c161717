// Package verify asks LLM verifier tiers whether a candidate signal is
// supported by its evidence.
package verify

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/model"
)

// ErrMalformedResponse marks verifier output that could not be parsed into
// a judgment even after cleanup.
var ErrMalformedResponse = eris.New("verify: malformed verifier response")

// PromptContext is everything a tier sees about one candidate.
type PromptContext struct {
	EntityName string
	Signal     model.Signal
	// Evidence is the subset of the signal's evidence shown to the tier,
	// strongest first.
	Evidence []model.Evidence
	// Bound is the largest absolute confidence adjustment the tier may
	// propose.
	Bound float64
}

// Judgment is one tier's verdict. Adjustment is as returned by the model;
// callers clamp it.
type Judgment struct {
	Validated  bool
	Adjustment float64
	Rationale  string
	Model      string
	Call       model.ToolCall
}

// Verifier evaluates a candidate at a given tier. When a call fails after
// reaching the model, the returned Judgment is non-nil and its Call still
// carries the tokens spent.
type Verifier interface {
	Evaluate(ctx context.Context, tier model.Tier, pc PromptContext) (*Judgment, error)
}

// TierModel binds a verifier tier to the model that serves it.
type TierModel struct {
	Tier  model.Tier
	Model string
}
