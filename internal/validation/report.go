package validation

import "github.com/sells-group/readiness-cli/internal/model"

// Rejection records why a candidate was dropped and in which pass.
type Rejection struct {
	SignalID string           `json:"signal_id"`
	Type     model.SignalType `json:"type,omitempty"`
	Pass     int              `json:"pass"`
	Reason   string           `json:"reason"`
}

// Report is the outcome of one Validate call.
type Report struct {
	EntityID   string         `json:"entity_id"`
	Candidates int            `json:"candidates"`
	Survivors  []model.Signal `json:"survivors"`
	Rejections []Rejection    `json:"rejections,omitempty"`
	// ToolCalls holds every priced call made while validating, in input
	// order of the candidates that made them.
	ToolCalls []model.ToolCall `json:"tool_calls,omitempty"`
	// Enriched counts candidates that went through the enricher.
	Enriched int `json:"enriched"`
	// TierCalls counts verifier calls per tier.
	TierCalls map[model.Tier]int `json:"tier_calls,omitempty"`
	// TerminalFailures counts candidates whose terminal tier call failed.
	TerminalFailures int `json:"terminal_failures"`
}

func newReport(entityID string, outcomes []outcome) *Report {
	r := &Report{EntityID: entityID, Candidates: len(outcomes), TierCalls: make(map[model.Tier]int)}
	for _, o := range outcomes {
		if !o.done {
			continue
		}
		r.ToolCalls = append(r.ToolCalls, o.calls...)
		for _, c := range o.calls {
			if c.Tool == model.ToolVerifier {
				r.TierCalls[c.Tier]++
			}
		}
		if o.enriched {
			r.Enriched++
		}
		if o.terminalFailure {
			r.TerminalFailures++
		}
		switch {
		case o.survivor != nil && o.persisted:
			r.Survivors = append(r.Survivors, *o.survivor)
		case o.rejection != nil:
			r.Rejections = append(r.Rejections, *o.rejection)
		}
	}
	return r
}

// RejectedInPass returns the rejections from one pass.
func (r *Report) RejectedInPass(pass int) []Rejection {
	var out []Rejection
	for _, rj := range r.Rejections {
		if rj.Pass == pass {
			out = append(out, rj)
		}
	}
	return out
}
