// Package hypothesis derives the readiness state of an entity for one
// procurement category from its accepted signals.
package hypothesis

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/readiness-cli/internal/model"
)

// Machine recomputes hypothesis states from signal buckets. It holds no
// state beyond its profile; Recompute is a pure function of its arguments.
type Machine struct {
	profile *Profile
}

// NewMachine validates the profile and returns a machine. A nil profile
// selects DefaultProfile.
func NewMachine(p *Profile) (*Machine, error) {
	if p == nil {
		p = DefaultProfile()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Machine{profile: p}, nil
}

// Profile returns the machine's scoring profile.
func (m *Machine) Profile() *Profile { return m.profile }

// Recompute derives the state for (entityID, category) from scratch.
// Inputs are copied and sorted by signal ID before summation so the result
// does not depend on slice order.
func (m *Machine) Recompute(entityID, category string, capability, procurement, opportunities []model.Signal, asOf time.Time) model.HypothesisState {
	sc := m.profile.For(category)
	asOf = asOf.UTC()

	capSum := decayedSum(capability, asOf, sc.Decay)
	procSum := decayedSum(procurement, asOf, sc.Decay)
	oppSum := decayedSum(opportunities, asOf, sc.Decay)

	maturity := saturate(sc.Weights.Capability * capSum)
	activity := saturate(sc.Weights.Procurement*procSum + sc.Weights.Opportunity*oppSum)

	var maxOpp float64
	for _, s := range opportunities {
		if c := signalConfidence(s); c > maxOpp {
			maxOpp = c
		}
	}

	return model.HypothesisState{
		EntityID:           entityID,
		Category:           category,
		MaturityScore:      maturity,
		ActivityScore:      activity,
		State:              classify(sc.Thresholds, maturity, activity, maxOpp),
		CapabilityCount:    len(capability),
		ProcurementCount:   len(procurement),
		OpportunityCount:   len(opportunities),
		MaxOpportunityConf: maxOpp,
		AsOf:               asOf,
	}
}

// RecomputeBuckets is Recompute over a SignalBuckets value.
func (m *Machine) RecomputeBuckets(entityID, category string, b model.SignalBuckets, asOf time.Time) model.HypothesisState {
	return m.Recompute(entityID, category, b.Capability, b.Procurement, b.Opportunity, asOf)
}

func classify(th Thresholds, maturity, activity, maxOpp float64) model.ReadinessState {
	switch {
	case maxOpp > th.Live:
		return model.StateLive
	case activity > th.Engage:
		return model.StateEngage
	case activity > th.Warm || maturity > th.Warm:
		return model.StateWarm
	default:
		return model.StateMonitor
	}
}

func decayedSum(signals []model.Signal, asOf time.Time, decay DecayConfig) float64 {
	sorted := make([]model.Signal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var sum float64
	for _, s := range sorted {
		sum += decay.Apply(signalConfidence(s), s.LatestEvidence(), asOf)
	}
	return sum
}

// saturate maps a non-negative sum onto [0,1).
func saturate(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return 1 - math.Exp(-x)
}

func signalConfidence(s model.Signal) float64 {
	if s.FinalConfidence > 0 {
		return s.FinalConfidence
	}
	return s.Confidence
}
