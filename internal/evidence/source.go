// Package evidence adapts external search and reader APIs into a single
// evidence Source used by candidate discovery and the enricher.
package evidence

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/readiness-cli/internal/model"
)

// ErrFetchUnsupported is returned by sources that can search but cannot
// read a single URL.
var ErrFetchUnsupported = eris.New("evidence: fetch not supported by source")

// SearchHit is one search result.
type SearchHit struct {
	Title     string             `json:"title"`
	URL       string             `json:"url"`
	Snippet   string             `json:"snippet,omitempty"`
	Published time.Time          `json:"published,omitempty"`
	Kind      model.EvidenceKind `json:"kind,omitempty"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	MaxResults int
	// Site restricts results to one domain when set.
	Site string
}

// Result is the outcome of one search. An empty Hits slice is a valid
// outcome. Call is the priced record of the lookup.
type Result struct {
	Hits []SearchHit
	Call model.ToolCall
}

// Source searches for evidence and fetches page content.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, opts SearchOptions) (Result, error)
	FetchContent(ctx context.Context, url string) (string, error)
}

// Select picks the evidence capability once: the primary source when it is
// configured, otherwise the fallback. It returns nil when neither is.
func Select(primary, fallback Source) Source {
	switch {
	case primary != nil:
		zap.L().Info("evidence: using primary source", zap.String("source", primary.Name()))
		return primary
	case fallback != nil:
		zap.L().Info("evidence: primary source unavailable, using fallback",
			zap.String("source", fallback.Name()))
		return fallback
	default:
		return nil
	}
}

// limited wraps a Source with a shared rate limiter.
type limited struct {
	Source
	limiter *rate.Limiter
}

// Limit returns src gated by limiter. Every Search and FetchContent waits
// for a token, so one limiter can be shared across concurrent entities.
func Limit(src Source, limiter *rate.Limiter) Source {
	if src == nil || limiter == nil {
		return src
	}
	return &limited{Source: src, limiter: limiter}
}

func (l *limited) Search(ctx context.Context, query string, opts SearchOptions) (Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Result{}, eris.Wrap(err, "evidence: rate limit wait")
	}
	return l.Source.Search(ctx, query, opts)
}

func (l *limited) FetchContent(ctx context.Context, url string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "evidence: rate limit wait")
	}
	return l.Source.FetchContent(ctx, url)
}

// HitsToEvidence converts up to n hits into evidence for an entity. Each
// hit's kind decides its credibility; hits without a publish date are dated
// asOf.
func HitsToEvidence(hits []SearchHit, n int, entityDomain string, asOf time.Time) []model.Evidence {
	if n <= 0 || n > len(hits) {
		n = len(hits)
	}
	out := make([]model.Evidence, 0, n)
	for _, h := range hits[:n] {
		kind := h.Kind
		if !kind.Valid() {
			kind = ClassifyURL(h.URL, entityDomain)
		}
		date := h.Published
		if date.IsZero() {
			date = asOf
		}
		out = append(out, model.Evidence{
			Source:           h.URL,
			Kind:             kind,
			CredibilityScore: kind.DefaultCredibility(),
			Date:             date.UTC(),
			ExtractedText:    NormalizeText(h.Snippet, maxSnippetRunes),
		})
	}
	return out
}
