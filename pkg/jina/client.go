// Package jina provides a client for the Jina AI reader and search API.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/resilience"
)

// Client defines the Jina AI operations used as the primary evidence source.
type Client interface {
	// Read fetches a URL via Jina AI Reader and returns the markdown content.
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
	// Search performs a web search via Jina AI Search and returns results.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// ReadResponse is the parsed Jina API response.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the content from Jina.
type ReadData struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content"`
	PublishedTime string `json:"publishedTime,omitempty"`
	Usage         Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	Tokens int `json:"tokens"`
}

// SearchResponse is the parsed Jina Search API response.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
	Meta struct {
		Usage Usage `json:"usage"`
	} `json:"meta"`
}

// Tokens returns the billed tokens for the search, preferring the response
// total and falling back to the per-result counts.
func (r *SearchResponse) Tokens() int {
	if r == nil {
		return 0
	}
	if r.Meta.Usage.Tokens > 0 {
		return r.Meta.Usage.Tokens
	}
	total := 0
	for _, d := range r.Data {
		total += d.Usage.Tokens
	}
	return total
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content"`
	Description   string `json:"description"`
	PublishedTime string `json:"publishedTime,omitempty"`
	Usage         Usage  `json:"usage"`
}

// Published parses PublishedTime. The zero time is returned when the
// result carries no usable date.
func (r SearchResult) Published() time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, r.PublishedTime); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	siteFilter string
	noContent  bool
}

// WithSiteFilter restricts search results to a specific domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) {
		o.siteFilter = domain
	}
}

// WithoutContent asks for titles, URLs and descriptions only, which is much
// cheaper in tokens.
func WithoutContent() SearchOption {
	return func(o *searchOpts) {
		o.noContent = true
	}
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithSearchBaseURL sets a custom search base URL (for testing).
func WithSearchBaseURL(url string) Option {
	return func(c *httpClient) {
		c.searchBaseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey        string
	baseURL       string
	searchBaseURL string
	http          *http.Client
	retry         resilience.RetryConfig
}

// NewClient creates a new Jina AI client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:        apiKey,
		baseURL:       "https://r.jina.ai",
		searchBaseURL: "https://s.jina.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			Multiplier:     2,
			OnRetry:        resilience.RetryLogger("jina", "request"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type result struct {
	body   []byte
	status int
}

// do executes req, retrying transport failures and retryable statuses with
// backoff. Non-retryable statuses are returned to the caller for handling.
func (c *httpClient) do(ctx context.Context, req *http.Request) (result, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (result, error) {
		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			return result{}, eris.Wrap(err, "jina: send request")
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return result{}, eris.Wrap(err, "jina: read response body")
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return result{}, resilience.NewTransientError(
				eris.Errorf("jina: status %d: %s", resp.StatusCode, string(body)), resp.StatusCode)
		}
		return result{body: body, status: resp.StatusCode}, nil
	})
}

func (c *httpClient) newRequest(ctx context.Context, reqURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	req, err := c.newRequest(ctx, fmt.Sprintf("%s/%s", c.baseURL, targetURL))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Return-Format", "markdown")

	res, err := c.do(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: read failed")
	}
	if res.status != http.StatusOK {
		return nil, eris.Errorf("jina: unexpected status %d: %s", res.status, string(res.body))
	}

	var out ReadResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}
	return &out, nil
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	reqURL := fmt.Sprintf("%s/%s", c.searchBaseURL, url.QueryEscape(query))
	if so.siteFilter != "" {
		reqURL += "?site=" + url.QueryEscape(so.siteFilter)
	}

	req, err := c.newRequest(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	if so.noContent {
		req.Header.Set("X-Respond-With", "no-content")
	}

	res, err := c.do(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: search failed")
	}

	// Jina returns 422 when no results are available for the query.
	if res.status == http.StatusUnprocessableEntity {
		return &SearchResponse{Code: http.StatusUnprocessableEntity}, nil
	}
	if res.status != http.StatusOK {
		return nil, eris.Errorf("jina: search unexpected status %d: %s", res.status, string(res.body))
	}

	var out SearchResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal search response")
	}
	return &out, nil
}
