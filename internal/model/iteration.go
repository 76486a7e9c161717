package model

import "time"

// Tier is a verifier tier. Lower tiers are cheaper.
type Tier int

const (
	TierCheap Tier = iota + 1
	TierMid
	TierExpensive
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierCheap:
		return "cheap"
	case TierMid:
		return "mid"
	case TierExpensive:
		return "expensive"
	default:
		return "unknown"
	}
}

// Decision classifies the outcome of one discovery/validation iteration.
type Decision string

const (
	DecisionAccept     Decision = "ACCEPT"
	DecisionReject     Decision = "REJECT"
	DecisionNoProgress Decision = "NO_PROGRESS"
)

// Tool names recorded on tool calls.
const (
	ToolVerifier = "verifier"
	ToolDetector = "detector"
	ToolSearch   = "search"
)

// ToolCall records one priced external call made during an iteration. The
// PriceKey names the price table entry: a model ID for LLM calls or an
// evidence provider name for searches.
type ToolCall struct {
	Tool         string `json:"tool"`
	Tier         Tier   `json:"tier,omitempty"`
	PriceKey     string `json:"price_key"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Error        string `json:"error,omitempty"`
}

// TokenTotals accumulates usage for one price key.
type TokenTotals struct {
	Calls        int64 `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add folds a tool call into the totals.
func (t *TokenTotals) Add(c ToolCall) {
	t.Calls++
	t.InputTokens += c.InputTokens
	t.OutputTokens += c.OutputTokens
}

// Iteration is one discovery/validation step applied to a ledger.
type Iteration struct {
	Number          int        `json:"number"`
	Query           string     `json:"query,omitempty"`
	ConfidenceDelta float64    `json:"confidence_delta"`
	Decision        Decision   `json:"decision"`
	PatternsFound   []Signal   `json:"patterns_found,omitempty"`
	ExploredDomains []string   `json:"explored_domains,omitempty"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	DurationMs      int64      `json:"duration_ms"`
}

// HistoryEntry is one append-only record in a ledger's confidence history.
type HistoryEntry struct {
	Iteration  int       `json:"iteration"`
	Decision   Decision  `json:"decision"`
	Delta      float64   `json:"delta"`
	Confidence float64   `json:"confidence"`
	Signals    int       `json:"signals"`
	CostUSD    float64   `json:"cost_usd"`
	At         time.Time `json:"at"`
}

// ReadinessState is the discrete hypothesis state, strictly ordered.
type ReadinessState int

const (
	StateMonitor ReadinessState = iota
	StateWarm
	StateEngage
	StateLive
)

var stateNames = [...]string{"MONITOR", "WARM", "ENGAGE", "LIVE"}

// String returns the state label.
func (s ReadinessState) String() string {
	if s < StateMonitor || s > StateLive {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText encodes the state as its label.
func (s ReadinessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state label.
func (s *ReadinessState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = ReadinessState(i)
			return nil
		}
	}
	return &UnknownStateError{Label: string(b)}
}

// UnknownStateError reports an unrecognized readiness state label.
type UnknownStateError struct {
	Label string
}

func (e *UnknownStateError) Error() string {
	return "model: unknown readiness state " + e.Label
}

// HypothesisState is the derived readiness of one (entity, category) pair.
type HypothesisState struct {
	EntityID           string         `json:"entity_id"`
	Category           string         `json:"category"`
	MaturityScore      float64        `json:"maturity_score"`
	ActivityScore      float64        `json:"activity_score"`
	State              ReadinessState `json:"state"`
	CapabilityCount    int            `json:"capability_count"`
	ProcurementCount   int            `json:"procurement_count"`
	OpportunityCount   int            `json:"opportunity_count"`
	MaxOpportunityConf float64        `json:"max_opportunity_confidence"`
	AsOf               time.Time      `json:"as_of"`
}

// RunStatus is the outcome of one entity's run.
type RunStatus string

const (
	RunComplete RunStatus = "complete"
	RunPartial  RunStatus = "partial"
	RunFailed   RunStatus = "failed"
	// RunSkipped means the entity's ledger is archived and nothing ran.
	RunSkipped RunStatus = "skipped"
)

// EntityResult summarizes one entity's run.
type EntityResult struct {
	EntityID   string            `json:"entity_id"`
	EntityName string            `json:"entity_name,omitempty"`
	Status     RunStatus         `json:"status"`
	Iterations int               `json:"iterations"`
	Validated  int               `json:"validated"`
	Confidence float64           `json:"confidence"`
	CostUSD    float64           `json:"cost_usd"`
	States     []HypothesisState `json:"states,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
	Error      string            `json:"error,omitempty"`
}
