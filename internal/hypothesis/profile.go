package hypothesis

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Profile is the scoring configuration for the state machine: defaults plus
// per-category overrides.
type Profile struct {
	Defaults   Scoring            `yaml:"defaults"`
	Categories map[string]Scoring `yaml:"categories"`
}

// Scoring holds the tunable parameters for one category.
type Scoring struct {
	Decay      DecayConfig `yaml:"time_decay"`
	Weights    Weights     `yaml:"weights"`
	Thresholds Thresholds  `yaml:"thresholds"`
}

// DecayConfig holds time decay parameters.
type DecayConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days"`
	Floor        float64 `yaml:"floor"`
}

// Weights scale each bucket's decayed confidence sum. Procurement and
// opportunity weights must exceed the capability weight.
type Weights struct {
	Capability  float64 `yaml:"capability"`
	Procurement float64 `yaml:"procurement"`
	Opportunity float64 `yaml:"opportunity"`
}

// Thresholds are the state boundaries.
type Thresholds struct {
	Live   float64 `yaml:"live"`
	Engage float64 `yaml:"engage"`
	Warm   float64 `yaml:"warm"`
}

// DefaultProfile returns the built-in scoring profile.
func DefaultProfile() *Profile {
	return &Profile{
		Defaults: Scoring{
			Decay:      DecayConfig{HalfLifeDays: 90, Floor: 0.05},
			Weights:    Weights{Capability: 0.5, Procurement: 0.9, Opportunity: 1.2},
			Thresholds: Thresholds{Live: 0.85, Engage: 0.6, Warm: 0.3},
		},
	}
}

// LoadProfile reads a scoring profile from a YAML file. Values missing from
// the file keep the built-in defaults, and category overrides inherit any
// field they leave unset.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "hypothesis: read profile %s", path)
	}
	return ParseProfile(data)
}

// ParseProfile parses and validates a YAML scoring profile.
func ParseProfile(data []byte) (*Profile, error) {
	// Profiles live under "hypothesis" so they can share a file with other settings.
	var wrapper struct {
		Hypothesis Profile `yaml:"hypothesis"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "hypothesis: parse profile")
	}

	p := &wrapper.Hypothesis
	p.Defaults = inherit(p.Defaults, DefaultProfile().Defaults)
	for name, s := range p.Categories {
		p.Categories[name] = inherit(s, p.Defaults)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// For returns the scoring for a category, falling back to defaults.
func (p *Profile) For(category string) Scoring {
	if s, ok := p.Categories[category]; ok {
		return s
	}
	return p.Defaults
}

// Validate checks every scoring block in the profile.
func (p *Profile) Validate() error {
	var errs []string
	errs = append(errs, p.Defaults.check("defaults")...)
	for name, s := range p.Categories {
		errs = append(errs, s.check("categories."+name)...)
	}
	if len(errs) > 0 {
		return eris.Errorf("hypothesis: invalid profile: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s Scoring) check(path string) []string {
	var errs []string
	if s.Decay.HalfLifeDays <= 0 {
		errs = append(errs, fmt.Sprintf("%s.time_decay.half_life_days must be > 0", path))
	}
	if s.Decay.Floor < 0 || s.Decay.Floor >= 1 {
		errs = append(errs, fmt.Sprintf("%s.time_decay.floor must be in [0,1)", path))
	}
	w := s.Weights
	if w.Capability <= 0 {
		errs = append(errs, fmt.Sprintf("%s.weights.capability must be > 0", path))
	}
	if w.Procurement <= w.Capability || w.Opportunity <= w.Capability {
		errs = append(errs, fmt.Sprintf("%s.weights: procurement and opportunity must exceed capability", path))
	}
	th := s.Thresholds
	if !(0 < th.Warm && th.Warm < th.Engage && th.Engage < 1) {
		errs = append(errs, fmt.Sprintf("%s.thresholds: need 0 < warm < engage < 1", path))
	}
	if th.Live <= 0 || th.Live > 1 {
		errs = append(errs, fmt.Sprintf("%s.thresholds.live must be in (0,1]", path))
	}
	return errs
}

// inherit fills unset fields of s from base.
func inherit(s, base Scoring) Scoring {
	fill := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&s.Decay.HalfLifeDays, base.Decay.HalfLifeDays)
	fill(&s.Decay.Floor, base.Decay.Floor)
	fill(&s.Weights.Capability, base.Weights.Capability)
	fill(&s.Weights.Procurement, base.Weights.Procurement)
	fill(&s.Weights.Opportunity, base.Weights.Opportunity)
	fill(&s.Thresholds.Live, base.Thresholds.Live)
	fill(&s.Thresholds.Engage, base.Thresholds.Engage)
	fill(&s.Thresholds.Warm, base.Thresholds.Warm)
	return s
}
