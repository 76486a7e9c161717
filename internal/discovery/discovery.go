// Package discovery produces candidate signals for one iteration: it runs a
// rotating search for the entity and asks the cheap model to classify the
// hits into typed signals.
package discovery

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/evidence"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/pkg/anthropic"
)

// Config configures a Detector.
type Config struct {
	// Model is the cheap-tier model used for extraction.
	Model     string
	MaxTokens int64
	// MaxHits caps the hits sent to the model.
	MaxHits int
	// MaxCandidates caps the signals kept from one response.
	MaxCandidates int
	// Templates override the default query rotation. Each must contain
	// "{name}".
	Templates []string
	// DirectoryBlocklist lists hosts whose hits are ignored.
	DirectoryBlocklist []string
	Retry              resilience.RetryConfig
}

// DefaultConfig returns the detector defaults for model.
func DefaultConfig(modelID string) Config {
	return Config{
		Model:              modelID,
		MaxTokens:          1024,
		MaxHits:            8,
		MaxCandidates:      5,
		DirectoryBlocklist: defaultBlocklist,
	}
}

var defaultBlocklist = []string{
	"yelp.com", "yellowpages.com", "bbb.org", "manta.com", "zoominfo.com",
	"crunchbase.com", "dnb.com", "bizapedia.com", "opencorporates.com",
}

// Result is the outcome of one discovery step.
type Result struct {
	Query           string           `json:"query"`
	Candidates      []model.Signal   `json:"candidates"`
	ExploredDomains []string         `json:"explored_domains,omitempty"`
	ToolCalls       []model.ToolCall `json:"tool_calls,omitempty"`
}

// Detector discovers candidate signals.
type Detector struct {
	src     evidence.Source
	client  anthropic.Client
	cfg     Config
	breaker *resilience.CircuitBreaker
	system  []anthropic.SystemBlock
	now     func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(src evidence.Source, client anthropic.Client, cfg Config, breakers *resilience.Breakers) (*Detector, error) {
	if src == nil {
		return nil, eris.New("discovery: evidence source is required")
	}
	if client == nil || cfg.Model == "" {
		return nil, eris.New("discovery: extraction model is required")
	}
	for _, t := range cfg.Templates {
		if !strings.Contains(t, "{name}") {
			return nil, eris.Errorf("discovery: query template %q has no {name}", t)
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxHits <= 0 {
		cfg.MaxHits = 8
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return &Detector{
		src:     src,
		client:  client,
		cfg:     cfg,
		breaker: breakers.Get("detector"),
		system:  anthropic.BuildCachedSystemBlocks(extractPrompt, "5m"),
		now:     time.Now,
	}, nil
}

// Discover runs one discovery step for entity. A failed or empty search
// yields a Result with no candidates and a nil error; only a cancelled
// context is returned as an error.
func (d *Detector) Discover(ctx context.Context, entity model.Entity, iteration int, explored func(domain string) bool) (*Result, error) {
	query := QueryFor(entity, iteration, d.cfg.Templates)
	res := &Result{Query: query}
	log := zap.L().With(
		zap.String("entity_id", entity.ID),
		zap.Int("iteration", iteration),
		zap.String("query", query),
	)

	found, err := d.src.Search(ctx, query, evidence.SearchOptions{MaxResults: d.cfg.MaxHits * 2})
	if found.Call.PriceKey != "" {
		res.ToolCalls = append(res.ToolCalls, found.Call)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		log.Warn("discovery: search failed", zap.Error(err))
		return res, nil
	}

	hits := d.filterHits(found.Hits, explored)
	if len(hits) > d.cfg.MaxHits {
		hits = hits[:d.cfg.MaxHits]
	}
	res.ExploredDomains = domainsOf(hits)
	if len(hits) == 0 {
		log.Info("discovery: no usable hits")
		return res, nil
	}

	candidates, call, err := d.extract(ctx, entity, hits)
	res.ToolCalls = append(res.ToolCalls, call)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		log.Warn("discovery: extraction failed", zap.Error(err))
		return res, nil
	}
	res.Candidates = candidates

	log.Info("discovery: candidates extracted",
		zap.Int("hits", len(hits)),
		zap.Int("candidates", len(candidates)),
	)
	return res, nil
}

func (d *Detector) extract(ctx context.Context, entity model.Entity, hits []evidence.SearchHit) ([]model.Signal, model.ToolCall, error) {
	call := model.ToolCall{Tool: model.ToolDetector, Tier: model.TierCheap, PriceKey: d.cfg.Model}

	retry := d.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "discovery_extract")
	}
	req := anthropic.MessageRequest{
		Model:     d.cfg.Model,
		MaxTokens: d.cfg.MaxTokens,
		System:    d.system,
		Messages:  []anthropic.Message{{Role: "user", Content: buildPrompt(entity, hits)}},
	}

	resp, err := resilience.ExecuteVal(ctx, d.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return d.client.CreateMessage(ctx, req)
		})
	})
	if err != nil {
		call.Error = err.Error()
		return nil, call, eris.Wrap(err, "discovery: extract")
	}
	call.InputTokens = resp.Usage.BilledInput()
	call.OutputTokens = resp.Usage.OutputTokens

	drafts, err := parseDrafts(resp.Text())
	if err != nil {
		call.Error = err.Error()
		return nil, call, err
	}
	return buildSignals(entity, drafts, hits, d.cfg.MaxCandidates, d.now().UTC()), call, nil
}

// filterHits drops directory listings and hits without a URL, dedupes by
// URL and moves hits from explored domains to the end.
func (d *Detector) filterHits(hits []evidence.SearchHit, explored func(string) bool) []evidence.SearchHit {
	seen := make(map[string]bool, len(hits))
	out := make([]evidence.SearchHit, 0, len(hits))
	for _, h := range hits {
		if h.URL == "" || seen[h.URL] || isDirectoryURL(h.URL, d.cfg.DirectoryBlocklist) {
			continue
		}
		seen[h.URL] = true
		out = append(out, h)
	}
	if explored != nil {
		sort.SliceStable(out, func(i, j int) bool {
			return !explored(evidence.HostOf(out[i].URL)) && explored(evidence.HostOf(out[j].URL))
		})
	}
	return out
}

// QueryFor returns the search query for an iteration. Templates rotate so
// consecutive iterations look at different signal families.
func QueryFor(entity model.Entity, iteration int, templates []string) string {
	if len(templates) == 0 {
		templates = defaultTemplates
	}
	if iteration < 1 {
		iteration = 1
	}
	name := entity.Name
	if name == "" {
		name = entity.Domain
	}
	t := templates[(iteration-1)%len(templates)]
	return strings.Join(strings.Fields(strings.ReplaceAll(t, "{name}", name)), " ")
}

var defaultTemplates = []string{
	"{name} request for proposal RFP",
	"{name} tender contract award procurement",
	"{name} budget allocated vendor evaluation",
	"{name} hiring technology adoption expansion",
	"{name} contract expiring renewal",
	"{name} funding executive appointment",
}

// isDirectoryURL checks if a URL's hostname matches any entry in the blocklist.
func isDirectoryURL(rawURL string, blocklist []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	for _, blocked := range blocklist {
		blocked = strings.ToLower(blocked)
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

func domainsOf(hits []evidence.SearchHit) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		host := evidence.HostOf(h.URL)
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}
