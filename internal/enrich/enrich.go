// Package enrich adds corroborating evidence to candidate signals that are
// short of the evidence Pass 1 requires.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/evidence"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/store"
)

// Config controls enrichment.
type Config struct {
	Lookback         time.Duration
	MaxStoredSignals int
	MaxSearchHits    int
	Timeout          time.Duration
}

// DefaultConfig returns the enrichment defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:         30 * 24 * time.Hour,
		MaxStoredSignals: 2,
		MaxSearchHits:    2,
		Timeout:          20 * time.Second,
	}
}

// Enricher draws corroboration from the entity's recent stored signals and
// exactly one fresh evidence search.
type Enricher struct {
	store  store.SignalStore
	source evidence.Source
	cfg    Config
	now    func() time.Time
}

// New creates an Enricher. Either collaborator may be nil, in which case
// that source of corroboration is skipped.
func New(st store.SignalStore, src evidence.Source, cfg Config) *Enricher {
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MaxStoredSignals <= 0 {
		cfg.MaxStoredSignals = def.MaxStoredSignals
	}
	if cfg.MaxSearchHits <= 0 {
		cfg.MaxSearchHits = def.MaxSearchHits
	}
	return &Enricher{store: st, source: src, cfg: cfg, now: time.Now}
}

// Enrich returns a copy of sig with corroborating evidence appended, plus
// the tool calls spent on the search. Confidence is never changed. Store and
// search failures are logged and leave the signal as enriched so far.
func (e *Enricher) Enrich(ctx context.Context, entity model.Entity, sig model.Signal) (model.Signal, []model.ToolCall, error) {
	out := sig.Clone()
	if err := ctx.Err(); err != nil {
		return out, nil, err
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	log := zap.L().With(zap.String("entity_id", sig.EntityID), zap.String("signal_id", sig.ID))
	now := e.now().UTC()

	seen := make(map[string]bool, len(out.Evidence))
	for _, ev := range out.Evidence {
		seen[ev.Source] = true
	}

	if e.store != nil {
		stored, err := e.storedEvidence(ctx, sig, now)
		if err != nil {
			log.Warn("enrich: stored signal lookup failed", zap.Error(err))
		}
		for _, ev := range stored {
			if !seen[ev.Source] {
				seen[ev.Source] = true
				out.Evidence = append(out.Evidence, ev)
			}
		}
	}

	var calls []model.ToolCall
	if e.source != nil {
		query := Query(entity, sig)
		res, err := e.source.Search(ctx, query, evidence.SearchOptions{MaxResults: e.cfg.MaxSearchHits * 2})
		// A search that failed before reaching the provider has no price key.
		if res.Call.PriceKey != "" {
			calls = append(calls, res.Call)
		}
		if err != nil {
			log.Warn("enrich: evidence search failed", zap.String("query", query), zap.Error(err))
		}

		var fresh []evidence.SearchHit
		for _, h := range res.Hits {
			if seen[h.URL] {
				continue
			}
			seen[h.URL] = true
			fresh = append(fresh, h)
		}
		out.Evidence = append(out.Evidence, evidence.HitsToEvidence(fresh, e.cfg.MaxSearchHits, entity.Domain, now)...)
	}

	log.Debug("enrich: evidence added",
		zap.Int("before", len(sig.Evidence)),
		zap.Int("after", len(out.Evidence)),
	)
	return out, calls, nil
}

// storedEvidence converts the entity's most recent validated signals into
// corroboration. Credibility scales with the stored signal's confidence and
// stays in the low-to-medium band.
func (e *Enricher) storedEvidence(ctx context.Context, sig model.Signal, now time.Time) ([]model.Evidence, error) {
	signals, err := e.store.Query(ctx, sig.EntityID, store.SignalFilter{
		Since:         now.Add(-e.cfg.Lookback),
		ValidatedOnly: true,
		Limit:         e.cfg.MaxStoredSignals + 1,
	})
	if err != nil {
		return nil, err
	}

	var out []model.Evidence
	for _, s := range signals {
		if s.ID == sig.ID {
			continue
		}
		out = append(out, model.Evidence{
			Source:           "signal:" + s.ID,
			Kind:             model.EvidenceStoredSignal,
			CredibilityScore: StoredCredibility(s.Confidence),
			Date:             s.LatestEvidence().UTC(),
			ExtractedText:    storedText(s),
		})
		if len(out) >= e.cfg.MaxStoredSignals {
			break
		}
	}
	return out, nil
}

// StoredCredibility maps a stored signal's confidence to corroboration
// credibility in [0.25, 0.55].
func StoredCredibility(conf float64) float64 {
	return 0.25 + 0.30*model.Clamp(conf)
}

func storedText(s model.Signal) string {
	if s.Summary != "" {
		return fmt.Sprintf("%s: %s", s.Type, s.Summary)
	}
	return string(s.Type)
}

var typeTerms = map[model.SignalType]string{
	model.SignalRFPDetected:       "request for proposal RFP",
	model.SignalTenderPublished:   "tender published",
	model.SignalBudgetAllocated:   "budget allocated",
	model.SignalVendorEvaluation:  "vendor evaluation",
	model.SignalContractExpiring:  "contract expiring renewal",
	model.SignalExecutiveChange:   "appoints new executive",
	model.SignalTechnologyAdopted: "adopts technology",
	model.SignalHiringSurge:       "hiring",
	model.SignalFundingEvent:      "funding",
	model.SignalExpansion:         "expansion",
}

// Query builds the fresh-lookup query for a signal.
func Query(entity model.Entity, sig model.Signal) string {
	name := entity.Name
	if name == "" {
		name = entity.Domain
	}
	if name == "" {
		name = sig.EntityID
	}
	parts := []string{name, typeTerms[sig.Type]}
	if c := sig.CategoryOrDefault(); c != model.DefaultCategory {
		parts = append(parts, c)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
