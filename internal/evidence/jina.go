package evidence

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/pkg/jina"
)

// JinaSource is the primary evidence source: Jina Search for discovery and
// Jina Reader for page content.
type JinaSource struct {
	client jina.Client
}

// NewJinaSource wraps a Jina client.
func NewJinaSource(client jina.Client) *JinaSource {
	return &JinaSource{client: client}
}

func (s *JinaSource) Name() string { return cost.KeyJina }

// Search runs a Jina web search. Token usage reported by the API is
// recorded on the returned tool call.
func (s *JinaSource) Search(ctx context.Context, query string, opts SearchOptions) (Result, error) {
	call := model.ToolCall{Tool: model.ToolSearch, PriceKey: cost.KeyJina}

	searchOpts := []jina.SearchOption{jina.WithoutContent()}
	if opts.Site != "" {
		searchOpts = append(searchOpts, jina.WithSiteFilter(opts.Site))
	}

	resp, err := s.client.Search(ctx, query, searchOpts...)
	if err != nil {
		call.Error = err.Error()
		return Result{Call: call}, eris.Wrap(err, "evidence: jina search")
	}
	call.InputTokens = int64(resp.Tokens())

	hits := make([]SearchHit, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.URL == "" {
			continue
		}
		snippet := r.Description
		if snippet == "" {
			snippet = r.Content
		}
		hits = append(hits, SearchHit{
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   NormalizeText(snippet, maxSnippetRunes),
			Published: r.Published(),
		})
		if opts.MaxResults > 0 && len(hits) >= opts.MaxResults {
			break
		}
	}
	return Result{Hits: hits, Call: call}, nil
}

// FetchContent reads a page through Jina Reader.
func (s *JinaSource) FetchContent(ctx context.Context, url string) (string, error) {
	resp, err := s.client.Read(ctx, url)
	if err != nil {
		return "", eris.Wrapf(err, "evidence: jina read %s", url)
	}
	return NormalizeText(resp.Data.Content, maxContentRunes), nil
}
