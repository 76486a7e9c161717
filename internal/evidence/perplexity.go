package evidence

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/pkg/perplexity"
)

const perplexitySystemPrompt = "You are a research assistant. Answer with a short factual summary and cite every source you used."

// PerplexitySource is the fallback evidence source. Hits come from the
// citations of a grounded chat completion. It cannot read single pages.
type PerplexitySource struct {
	client perplexity.Client
}

// NewPerplexitySource wraps a Perplexity client.
func NewPerplexitySource(client perplexity.Client) *PerplexitySource {
	return &PerplexitySource{client: client}
}

func (s *PerplexitySource) Name() string { return cost.KeyPerplexity }

// Search asks Perplexity the query and converts its cited sources to hits.
// The answer text is attached as the first hit's snippet when the API
// returns bare citation URLs.
func (s *PerplexitySource) Search(ctx context.Context, query string, opts SearchOptions) (Result, error) {
	call := model.ToolCall{Tool: model.ToolSearch, PriceKey: cost.KeyPerplexity}

	req := perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: perplexitySystemPrompt},
			{Role: "user", Content: query},
		},
	}
	if opts.Site != "" {
		req.DomainFilter = []string{opts.Site}
	}

	resp, err := s.client.ChatCompletion(ctx, req)
	if err != nil {
		call.Error = err.Error()
		return Result{Call: call}, eris.Wrap(err, "evidence: perplexity search")
	}
	call.InputTokens = int64(resp.Usage.PromptTokens)
	call.OutputTokens = int64(resp.Usage.CompletionTokens)

	answer := NormalizeText(resp.Content(), maxSnippetRunes)
	var hits []SearchHit
	for i, src := range resp.Sources() {
		if src.URL == "" {
			continue
		}
		title := src.Title
		if title == "" {
			title = fmt.Sprintf("citation %d", i+1)
		}
		hit := SearchHit{Title: title, URL: src.URL, Published: src.Published()}
		if len(hits) == 0 {
			hit.Snippet = answer
		}
		hits = append(hits, hit)
		if opts.MaxResults > 0 && len(hits) >= opts.MaxResults {
			break
		}
	}
	return Result{Hits: hits, Call: call}, nil
}

// FetchContent is not available from Perplexity.
func (s *PerplexitySource) FetchContent(context.Context, string) (string, error) {
	return "", ErrFetchUnsupported
}
