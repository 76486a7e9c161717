package discovery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/evidence"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/verify"
)

// signalNamespace seeds deterministic signal IDs.
var signalNamespace = uuid.MustParse("6f1c3c8e-3d1b-4f55-9a43-2f6d2c1b7a90")

const extractPrompt = `You read search results about one organization and report procurement readiness signals.

Allowed signal types:
- RFP_DETECTED, TENDER_PUBLISHED: the organization has published a request for proposal or tender.
- BUDGET_ALLOCATED, VENDOR_EVALUATION, CONTRACT_EXPIRING: the organization is preparing to buy.
- EXECUTIVE_CHANGE, TECHNOLOGY_ADOPTED, HIRING_SURGE, FUNDING_EVENT, EXPANSION: the organization could buy.

Only report signals about the named organization that the results directly support. Cite the
result numbers that support each signal. Use a short lowercase procurement category such as
"cloud", "security" or "facilities", or "general" when unclear. Confidence is 0.0 to 1.0.

Respond with ONLY valid JSON, no other text:
{"signals": [{"type": "RFP_DETECTED", "category": "cloud", "summary": "one sentence", "confidence": 0.0, "sources": [1]}]}`

func buildPrompt(entity model.Entity, hits []evidence.SearchHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Organization: %s\n", entity.Name)
	if entity.Domain != "" {
		fmt.Fprintf(&b, "Website: %s\n", entity.Domain)
	}
	b.WriteString("\nSearch results:\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s\n    %s\n", i+1, h.Title, h.URL)
		if !h.Published.IsZero() {
			fmt.Fprintf(&b, "    published %s\n", h.Published.Format("2006-01-02"))
		}
		if s := evidence.NormalizeText(h.Snippet, 600); s != "" {
			fmt.Fprintf(&b, "    %s\n", s)
		}
	}
	return b.String()
}

// draft is one signal as the model reported it.
type draft struct {
	Type       string          `json:"type"`
	Category   string          `json:"category"`
	Summary    string          `json:"summary"`
	Confidence json.RawMessage `json:"confidence"`
	Sources    []json.Number   `json:"sources"`
}

// parseDrafts decodes extraction output. A bare array is accepted as well
// as the {"signals": [...]} envelope.
func parseDrafts(text string) ([]draft, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(cleaned), "```"))
	if strings.HasPrefix(cleaned, "[") {
		cleaned = `{"signals": ` + cleanArray(cleaned) + "}"
	} else {
		cleaned = verify.CleanJSON(cleaned)
	}
	if !strings.HasPrefix(cleaned, "{") {
		return nil, eris.Wrap(verify.ErrMalformedResponse, "discovery: no JSON object in extraction")
	}

	var env struct {
		Signals []draft `json:"signals"`
	}
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, eris.Wrapf(verify.ErrMalformedResponse, "discovery: decode extraction: %v", err)
	}
	return env.Signals, nil
}

func cleanArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// buildSignals turns drafts into candidate signals. Unknown types and
// drafts without a valid source are dropped; duplicate IDs keep the first.
func buildSignals(entity model.Entity, drafts []draft, hits []evidence.SearchHit, limit int, now time.Time) []model.Signal {
	seen := make(map[string]bool)
	var out []model.Signal
	for _, d := range drafts {
		st := model.SignalType(strings.ToUpper(strings.TrimSpace(d.Type)))
		if !st.Valid() {
			zap.L().Debug("discovery: dropping unknown signal type", zap.String("type", d.Type))
			continue
		}
		cited := citedHits(d.Sources, hits, entity.Domain)
		if len(cited) == 0 {
			continue
		}

		id := SignalID(entity.ID, st, cited[0].URL)
		if seen[id] {
			continue
		}
		seen[id] = true

		category := strings.ToLower(strings.TrimSpace(d.Category))
		if category == "" {
			category = model.DefaultCategory
		}

		s := model.Signal{
			ID:        id,
			Type:      st,
			Category:  category,
			Summary:   evidence.NormalizeText(d.Summary, 500),
			EntityID:  entity.ID,
			Evidence:  evidence.HitsToEvidence(cited, len(cited), entity.Domain, now),
			FirstSeen: now,
		}
		s.SetConfidence(parseConfidence(d.Confidence))
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// SignalID derives a stable signal ID from the entity, type and first
// evidence URL, so rediscovering the same fact upserts the same row.
func SignalID(entityID string, st model.SignalType, firstURL string) string {
	return uuid.NewSHA1(signalNamespace, []byte(entityID+"|"+string(st)+"|"+firstURL)).String()
}

// citedHits resolves 1-based source numbers, ignoring out-of-range and
// repeated references. The result is ordered by evidence kind credibility,
// then citation order.
func citedHits(sources []json.Number, hits []evidence.SearchHit, entityDomain string) []evidence.SearchHit {
	used := make(map[int]bool)
	var idx []int
	for _, n := range sources {
		i, err := strconv.Atoi(strings.TrimSpace(n.String()))
		if err != nil || i < 1 || i > len(hits) || used[i] {
			continue
		}
		used[i] = true
		idx = append(idx, i)
	}
	out := make([]evidence.SearchHit, 0, len(idx))
	for _, i := range idx {
		out = append(out, hits[i-1])
	}
	sort.SliceStable(out, func(a, b int) bool {
		return kindRank(out[a], entityDomain) > kindRank(out[b], entityDomain)
	})
	return out
}

func kindRank(h evidence.SearchHit, entityDomain string) float64 {
	k := h.Kind
	if !k.Valid() {
		k = evidence.ClassifyURL(h.URL, entityDomain)
	}
	return k.DefaultCredibility()
}

func parseConfidence(raw json.RawMessage) float64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if v > 1 && v <= 100 {
		v /= 100
	}
	return v
}
