package cost

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sells-group/readiness-cli/internal/model"
)

// Price keys for the evidence providers. LLM calls are keyed by model ID.
const (
	KeyJina       = "jina"
	KeyPerplexity = "perplexity"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaRate             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// JinaRate holds Jina pricing.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

var million = decimal.NewFromInt(1_000_000)

// Calculator computes costs for API usage. All arithmetic is decimal so the
// same token totals always produce the same cost regardless of the order
// they were accumulated in.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rates returns the calculator's price table.
func (c *Calculator) Rates() Rates {
	return c.rates
}

// Claude computes the cost of input and output tokens for a Claude model.
// Unknown models cost nothing.
func (c *Calculator) Claude(model string, input, output int64) decimal.Decimal {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(input).Mul(decimal.NewFromFloat(rate.Input)).Div(million)
	out := decimal.NewFromInt(output).Mul(decimal.NewFromFloat(rate.Output)).Div(million)
	return in.Add(out)
}

// Jina computes the cost for Jina token usage.
func (c *Calculator) Jina(tokens int64) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(decimal.NewFromFloat(c.rates.Jina.PerMTok)).Div(million)
}

// PerplexityQueries returns the flat cost of n Perplexity queries.
func (c *Calculator) PerplexityQueries(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Mul(decimal.NewFromFloat(c.rates.Perplexity.PerQuery))
}

// Usage prices the accumulated totals for one price key.
func (c *Calculator) Usage(priceKey string, t model.TokenTotals) decimal.Decimal {
	switch priceKey {
	case KeyJina:
		return c.Jina(t.InputTokens + t.OutputTokens)
	case KeyPerplexity:
		return c.PerplexityQueries(t.Calls)
	default:
		return c.Claude(priceKey, t.InputTokens, t.OutputTokens)
	}
}

// Total prices a full usage map. Keys are summed in sorted order.
func (c *Calculator) Total(usage map[string]model.TokenTotals) decimal.Decimal {
	keys := make([]string, 0, len(usage))
	for k := range usage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := decimal.Zero
	for _, k := range keys {
		total = total.Add(c.Usage(k, usage[k]))
	}
	return total
}

// Call prices a single tool call.
func (c *Calculator) Call(tc model.ToolCall) decimal.Decimal {
	var t model.TokenTotals
	t.Add(tc)
	return c.Usage(tc.PriceKey, t)
}

// ModelRate returns the price of a Claude model and whether it has one.
func (c *Calculator) ModelRate(model string) (ModelRate, bool) {
	rate, ok := c.rates.Anthropic[model]
	return rate, ok
}

// UnitPrice returns the combined input+output price per million tokens for
// a model, used to order verifier tiers by cost. Unpriced models return 0.
func (c *Calculator) UnitPrice(model string) float64 {
	rate := c.rates.Anthropic[model]
	return rate.Input + rate.Output
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		},
		Jina:       JinaRate{PerMTok: 0.02},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}
