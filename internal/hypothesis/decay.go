package hypothesis

import (
	"math"
	"time"
)

const defaultHalfLifeDays = 90

// Apply ages a signal's confidence by how long ago its latest evidence was
// dated: it halves every HalfLifeDays and never drops below Floor. Signals
// without a dated piece of evidence, or dated after asOf, keep conf.
// Non-positive confidence contributes nothing.
func (d DecayConfig) Apply(conf float64, evidenceAt, asOf time.Time) float64 {
	if conf <= 0 {
		return 0
	}
	if evidenceAt.IsZero() || !evidenceAt.Before(asOf) {
		return conf
	}
	return math.Max(d.Floor, conf*d.factor(asOf.Sub(evidenceAt)))
}

// factor is the multiplier for evidence of the given age.
func (d DecayConfig) factor(age time.Duration) float64 {
	halfLife := d.HalfLifeDays
	if halfLife <= 0 {
		halfLife = defaultHalfLifeDays
	}
	days := age.Hours() / 24
	return math.Exp2(-days / halfLife)
}
