package verify

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// CleanJSON extracts a JSON object from model output that may be wrapped in
// markdown code fences or surrounded by prose.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

type judgmentWire struct {
	Validated  json.RawMessage `json:"validated"`
	Adjustment json.RawMessage `json:"adjustment"`
	Rationale  string          `json:"rationale"`
}

// parseJudgment decodes verifier output. Booleans and numbers may arrive as
// strings; a missing adjustment is zero; a missing verdict is malformed.
func parseJudgment(text string) (*Judgment, error) {
	cleaned := CleanJSON(text)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, eris.Wrapf(ErrMalformedResponse, "no JSON object in %q", truncate(text, 200))
	}

	var w judgmentWire
	if err := json.Unmarshal([]byte(cleaned), &w); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "decode: %v", err)
	}

	validated, ok := coerceBool(w.Validated)
	if !ok {
		return nil, eris.Wrapf(ErrMalformedResponse, "validated field %q", string(w.Validated))
	}
	adj, ok := coerceFloat(w.Adjustment)
	if !ok {
		return nil, eris.Wrapf(ErrMalformedResponse, "adjustment field %q", string(w.Adjustment))
	}
	return &Judgment{
		Validated:  validated,
		Adjustment: adj,
		Rationale:  strings.TrimSpace(w.Rationale),
	}, nil
}

func coerceBool(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "valid", "validated":
		return true, true
	case "false", "no", "n", "0", "invalid", "rejected":
		return false, true
	}
	return false, false
}

func coerceFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	if s == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// truncate keeps the first n runes of s, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
