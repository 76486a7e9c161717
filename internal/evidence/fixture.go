package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/model"
)

// FixtureSource serves recorded search results. Queries match a fixture
// when they contain its key (case-insensitive); the longest matching key
// wins. It backs dry runs and deterministic tests.
type FixtureSource struct {
	Searches map[string][]SearchHit `json:"searches"`
	Pages    map[string]string      `json:"pages,omitempty"`

	// Err, when set, is returned from every Search.
	Err error `json:"-"`

	mu      sync.Mutex
	queries []string
}

// LoadFixtures reads a FixtureSource from a JSON file.
func LoadFixtures(path string) (*FixtureSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read fixtures %s", path)
	}
	var fs FixtureSource
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fs); err != nil {
		return nil, eris.Wrapf(err, "evidence: decode fixtures %s", path)
	}
	return &fs, nil
}

func (f *FixtureSource) Name() string { return "fixture" }

// Search returns the hits recorded for the best matching key.
func (f *FixtureSource) Search(ctx context.Context, query string, opts SearchOptions) (Result, error) {
	call := model.ToolCall{Tool: model.ToolSearch, PriceKey: "fixture"}
	if err := ctx.Err(); err != nil {
		return Result{Call: call}, err
	}

	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	if f.Err != nil {
		call.Error = f.Err.Error()
		return Result{Call: call}, f.Err
	}

	lower := strings.ToLower(query)
	keys := make([]string, 0, len(f.Searches))
	for k := range f.Searches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		if !strings.Contains(lower, strings.ToLower(k)) {
			continue
		}
		var hits []SearchHit
		for _, h := range f.Searches[k] {
			if opts.Site != "" && HostOf(h.URL) != model.NormalizeDomain(opts.Site) {
				continue
			}
			hits = append(hits, h)
			if opts.MaxResults > 0 && len(hits) >= opts.MaxResults {
				break
			}
		}
		return Result{Hits: hits, Call: call}, nil
	}
	return Result{Call: call}, nil
}

// FetchContent returns the recorded page body for url.
func (f *FixtureSource) FetchContent(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	page, ok := f.Pages[url]
	if !ok {
		return "", eris.Errorf("evidence: no fixture page for %s", url)
	}
	return page, nil
}

// Queries returns every query received so far, in order.
func (f *FixtureSource) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}
