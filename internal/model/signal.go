package model

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
)

// SignalType classifies what a signal says about an entity.
type SignalType string

const (
	// Validated opportunities.
	SignalRFPDetected     SignalType = "RFP_DETECTED"
	SignalTenderPublished SignalType = "TENDER_PUBLISHED"

	// Procurement indicators.
	SignalBudgetAllocated  SignalType = "BUDGET_ALLOCATED"
	SignalVendorEvaluation SignalType = "VENDOR_EVALUATION"
	SignalContractExpiring SignalType = "CONTRACT_EXPIRING"

	// Capability signals.
	SignalExecutiveChange   SignalType = "EXECUTIVE_CHANGE"
	SignalTechnologyAdopted SignalType = "TECHNOLOGY_ADOPTED"
	SignalHiringSurge       SignalType = "HIRING_SURGE"
	SignalFundingEvent      SignalType = "FUNDING_EVENT"
	SignalExpansion         SignalType = "EXPANSION"
)

// SignalClass is the hypothesis bucket a signal type feeds.
type SignalClass string

const (
	ClassCapability  SignalClass = "capability"
	ClassProcurement SignalClass = "procurement"
	ClassOpportunity SignalClass = "opportunity"
)

var signalClasses = map[SignalType]SignalClass{
	SignalRFPDetected:       ClassOpportunity,
	SignalTenderPublished:   ClassOpportunity,
	SignalBudgetAllocated:   ClassProcurement,
	SignalVendorEvaluation:  ClassProcurement,
	SignalContractExpiring:  ClassProcurement,
	SignalExecutiveChange:   ClassCapability,
	SignalTechnologyAdopted: ClassCapability,
	SignalHiringSurge:       ClassCapability,
	SignalFundingEvent:      ClassCapability,
	SignalExpansion:         ClassCapability,
}

// SignalTypes returns every known signal type in declaration order.
func SignalTypes() []SignalType {
	return []SignalType{
		SignalRFPDetected, SignalTenderPublished,
		SignalBudgetAllocated, SignalVendorEvaluation, SignalContractExpiring,
		SignalExecutiveChange, SignalTechnologyAdopted, SignalHiringSurge, SignalFundingEvent, SignalExpansion,
	}
}

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	_, ok := signalClasses[t]
	return ok
}

// Class returns the hypothesis bucket for t. Unknown types have no class.
func (t SignalType) Class() SignalClass {
	return signalClasses[t]
}

// UnmarshalJSON rejects signal types outside the closed set.
func (t *SignalType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return eris.Wrap(err, "model: signal type")
	}
	st := SignalType(s)
	if !st.Valid() {
		return eris.Errorf("model: unknown signal type %q", s)
	}
	*t = st
	return nil
}

// DefaultCategory is used when a signal does not name a procurement category.
const DefaultCategory = "general"

// TierVerdict records one verifier tier's judgment of a signal.
type TierVerdict struct {
	Tier       Tier    `json:"tier"`
	Model      string  `json:"model,omitempty"`
	Validated  bool    `json:"validated"`
	Adjustment float64 `json:"adjustment"`
	Rationale  string  `json:"rationale,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Signal is a single detected piece of classified evidence about an entity.
type Signal struct {
	ID             string     `json:"id"`
	Type           SignalType `json:"type"`
	Category       string     `json:"category,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Confidence     float64    `json:"confidence"`
	EntityID       string     `json:"entity_id"`
	Evidence       []Evidence `json:"evidence"`
	ValidationPass int        `json:"validation_pass"`
	Validated      bool       `json:"validated"`
	FirstSeen      time.Time  `json:"first_seen"`

	Pass1Confidence float64       `json:"pass1_confidence,omitempty"`
	Pass2Confidence float64       `json:"pass2_confidence,omitempty"`
	FinalConfidence float64       `json:"final_confidence,omitempty"`
	Verdicts        []TierVerdict `json:"verdicts,omitempty"`
}

// Clamp bounds v to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SetConfidence sets the signal confidence, clamped to [0,1].
func (s *Signal) SetConfidence(v float64) {
	s.Confidence = Clamp(v)
}

// CategoryOrDefault returns the signal's category or DefaultCategory.
func (s Signal) CategoryOrDefault() string {
	if s.Category == "" {
		return DefaultCategory
	}
	return s.Category
}

// AverageCredibility returns the mean credibility over the evidence list,
// or 0 when there is none.
func (s Signal) AverageCredibility() float64 {
	if len(s.Evidence) == 0 {
		return 0
	}
	var sum float64
	for _, e := range s.Evidence {
		sum += e.CredibilityScore
	}
	return sum / float64(len(s.Evidence))
}

// LatestEvidence returns the newest evidence date, falling back to FirstSeen.
func (s Signal) LatestEvidence() time.Time {
	latest := s.FirstSeen
	for _, e := range s.Evidence {
		if e.Date.After(latest) {
			latest = e.Date
		}
	}
	return latest
}

// Clone returns a deep copy of the signal.
func (s Signal) Clone() Signal {
	out := s
	if s.Evidence != nil {
		out.Evidence = make([]Evidence, len(s.Evidence))
		copy(out.Evidence, s.Evidence)
	}
	if s.Verdicts != nil {
		out.Verdicts = make([]TierVerdict, len(s.Verdicts))
		copy(out.Verdicts, s.Verdicts)
	}
	return out
}

// Check validates the structural fields of a decoded signal.
func (s Signal) Check() error {
	if s.ID == "" {
		return eris.New("model: signal id is required")
	}
	if s.EntityID == "" {
		return eris.Errorf("model: signal %s: entity_id is required", s.ID)
	}
	if !s.Type.Valid() {
		return eris.Errorf("model: signal %s: unknown type %q", s.ID, s.Type)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return eris.Errorf("model: signal %s: confidence %.3f out of range", s.ID, s.Confidence)
	}
	if s.ValidationPass < 0 || s.ValidationPass > 3 {
		return eris.Errorf("model: signal %s: validation_pass %d out of range", s.ID, s.ValidationPass)
	}
	for i, e := range s.Evidence {
		if err := e.Check(); err != nil {
			return eris.Wrapf(err, "model: signal %s: evidence %d", s.ID, i)
		}
	}
	return nil
}

// DecodeSignals decodes a JSON array of signals, rejecting unknown fields,
// unknown enum values and out-of-range scores.
func DecodeSignals(r io.Reader) ([]Signal, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var signals []Signal
	if err := dec.Decode(&signals); err != nil {
		return nil, eris.Wrap(err, "model: decode signals")
	}
	for _, s := range signals {
		if err := s.Check(); err != nil {
			return nil, err
		}
	}
	return signals, nil
}

// DecodeSignalsBytes is DecodeSignals over a byte slice.
func DecodeSignalsBytes(data []byte) ([]Signal, error) {
	return DecodeSignals(bytes.NewReader(data))
}
