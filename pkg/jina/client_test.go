package jina

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/readiness-cli/internal/resilience"
)

var fastRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	Multiplier:     2,
}

func TestRead_Success(t *testing.T) {
	t.Parallel()

	want := ReadResponse{
		Code: 200,
		Data: ReadData{
			Title:   "Acme Corp",
			URL:     "https://acme.com",
			Content: "# Acme Corp\n\nWe are hiring cloud engineers.",
			Usage:   Usage{Tokens: 2150},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))
		assert.Equal(t, "/https://acme.com", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry))
	got, err := client.Read(context.Background(), "https://acme.com")

	require.NoError(t, err)
	assert.Equal(t, want.Data.Title, got.Data.Title)
	assert.Equal(t, want.Data.Content, got.Data.Content)
	assert.Equal(t, 2150, got.Data.Usage.Tokens)
}

func TestRead_NotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`not found`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry))
	_, err := client.Read(context.Background(), "https://acme.com/missing")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRead_RetryOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ReadResponse{Code: 200, Data: ReadData{Title: "ok"}}) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry))
	got, err := client.Read(context.Background(), "https://acme.com")

	require.NoError(t, err)
	assert.Equal(t, "ok", got.Data.Title)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRead_RetryExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`unavailable`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry))
	_, err := client.Read(context.Background(), "https://acme.com")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRead_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry))
	_, err := client.Read(context.Background(), "https://acme.com")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestRead_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(fastRetry))
	_, err := client.Read(ctx, "https://acme.com")
	require.Error(t, err)
}

func TestSearch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acme+cloud+rfp", r.URL.EscapedPath())
		assert.Equal(t, "acme.gov", r.URL.Query().Get("site"))
		assert.Equal(t, "no-content", r.Header.Get("X-Respond-With"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"code": 200,
			"data": [
				{"title": "Acme issues cloud RFP", "url": "https://acme.gov/rfp/12", "description": "Request for proposals", "publishedTime": "2026-02-10T09:00:00Z", "usage": {"tokens": 40}},
				{"title": "Acme budget", "url": "https://news.example.com/acme", "description": "FY27 budget", "usage": {"tokens": 35}}
			]
		}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL), WithRetry(fastRetry))
	got, err := client.Search(context.Background(), "acme cloud rfp", WithSiteFilter("acme.gov"), WithoutContent())

	require.NoError(t, err)
	require.Len(t, got.Data, 2)
	assert.Equal(t, "https://acme.gov/rfp/12", got.Data[0].URL)
	assert.Equal(t, time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC), got.Data[0].Published())
	assert.True(t, got.Data[1].Published().IsZero())
	assert.Equal(t, 75, got.Tokens())
}

func TestSearch_NoResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL), WithRetry(fastRetry))
	got, err := client.Search(context.Background(), "nothing here")

	require.NoError(t, err)
	assert.Empty(t, got.Data)
	assert.Equal(t, 0, got.Tokens())
}

func TestSearch_RetryOn500(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code":200,"data":[],"meta":{"usage":{"tokens":12}}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL), WithRetry(fastRetry))
	got, err := client.Search(context.Background(), "acme")

	require.NoError(t, err)
	assert.Equal(t, 12, got.Tokens())
	assert.Equal(t, int32(3), calls.Load())
}

func TestSearch_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithSearchBaseURL(srv.URL), WithRetry(fastRetry))
	_, err := client.Search(context.Background(), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal search response")
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient("k").(*httpClient)
	assert.Equal(t, "https://r.jina.ai", c.baseURL)
	assert.Equal(t, "https://s.jina.ai", c.searchBaseURL)
	assert.Equal(t, 30*time.Second, c.http.Timeout)
	assert.Equal(t, 3, c.retry.MaxAttempts)

	hc := &http.Client{Timeout: time.Second}
	c = NewClient("k", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
}
