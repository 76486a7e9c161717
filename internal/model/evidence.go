package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// EvidenceKind is the channel a piece of evidence came from.
type EvidenceKind string

const (
	EvidenceProcurementPortal EvidenceKind = "procurement_portal"
	EvidenceFiling            EvidenceKind = "filing"
	EvidenceNews              EvidenceKind = "news"
	EvidenceCompanySite       EvidenceKind = "company_site"
	EvidenceJobPosting        EvidenceKind = "job_posting"
	EvidenceWebSearch         EvidenceKind = "web_search"
	EvidenceSocial            EvidenceKind = "social"
	EvidenceStoredSignal      EvidenceKind = "stored_signal"
)

// kindCredibility is the default credibility assigned to fresh evidence of
// each kind. Stored-signal corroboration is scored from the stored signal.
var kindCredibility = map[EvidenceKind]float64{
	EvidenceProcurementPortal: 0.90,
	EvidenceFiling:            0.85,
	EvidenceNews:              0.70,
	EvidenceCompanySite:       0.65,
	EvidenceJobPosting:        0.60,
	EvidenceWebSearch:         0.50,
	EvidenceSocial:            0.40,
	EvidenceStoredSignal:      0.40,
}

// Valid reports whether k is a known evidence kind.
func (k EvidenceKind) Valid() bool {
	_, ok := kindCredibility[k]
	return ok
}

// DefaultCredibility returns the baseline credibility for evidence of kind k.
func (k EvidenceKind) DefaultCredibility() float64 {
	return kindCredibility[k]
}

// UnmarshalJSON rejects evidence kinds outside the closed set.
func (k *EvidenceKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return eris.Wrap(err, "model: evidence kind")
	}
	ek := EvidenceKind(s)
	if !ek.Valid() {
		return eris.Errorf("model: unknown evidence kind %q", s)
	}
	*k = ek
	return nil
}

// Evidence is one supporting fact behind a signal.
type Evidence struct {
	Source           string       `json:"source"`
	Kind             EvidenceKind `json:"kind"`
	CredibilityScore float64      `json:"credibility_score"`
	Date             time.Time    `json:"date"`
	ExtractedText    string       `json:"extracted_text,omitempty"`
}

// Check validates the evidence fields.
func (e Evidence) Check() error {
	if e.Source == "" {
		return eris.New("source is required")
	}
	if !e.Kind.Valid() {
		return eris.Errorf("unknown kind %q", e.Kind)
	}
	if e.CredibilityScore < 0 || e.CredibilityScore > 1 {
		return eris.Errorf("credibility %.3f out of range", e.CredibilityScore)
	}
	return nil
}
