package verify

import (
	"fmt"
	"strings"
)

const systemPrompt = `You verify procurement-readiness signals about organizations.
You receive one candidate signal and the evidence collected for it.
Decide whether the evidence supports the signal as stated.

Respond with a single JSON object and nothing else:
{"validated": true|false, "adjustment": <number>, "rationale": "<one or two sentences>"}

"adjustment" is how much the signal's confidence should move. It must stay
within the bound given in the request. Use a positive value when the evidence
is stronger than the stated confidence and a negative one when it is weaker.
Reject signals whose evidence is about a different organization, is stale,
or only restates the claim without support.`

const maxEvidenceText = 600

// buildPrompt renders the user message for one candidate.
func buildPrompt(pc PromptContext) string {
	var b strings.Builder
	s := pc.Signal

	name := pc.EntityName
	if name == "" {
		name = s.EntityID
	}
	fmt.Fprintf(&b, "Organization: %s\n", name)
	fmt.Fprintf(&b, "Signal type: %s (%s)\n", s.Type, s.Type.Class())
	fmt.Fprintf(&b, "Category: %s\n", s.CategoryOrDefault())
	if s.Summary != "" {
		fmt.Fprintf(&b, "Claim: %s\n", s.Summary)
	}
	fmt.Fprintf(&b, "Stated confidence: %.2f\n", s.Confidence)
	fmt.Fprintf(&b, "Adjustment bound: ±%.2f\n\n", pc.Bound)

	if len(pc.Evidence) == 0 {
		b.WriteString("Evidence: none\n")
		return b.String()
	}
	b.WriteString("Evidence (strongest first):\n")
	for i, e := range pc.Evidence {
		fmt.Fprintf(&b, "%d. [%s, credibility %.2f", i+1, e.Kind, e.CredibilityScore)
		if !e.Date.IsZero() {
			fmt.Fprintf(&b, ", %s", e.Date.Format("2006-01-02"))
		}
		fmt.Fprintf(&b, "] %s\n", e.Source)
		if text := strings.TrimSpace(e.ExtractedText); text != "" {
			text = truncate(text, maxEvidenceText)
			fmt.Fprintf(&b, "   %s\n", text)
		}
	}
	return b.String()
}
