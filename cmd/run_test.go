package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/readiness-cli/internal/config"
	"github.com/sells-group/readiness-cli/internal/model"
)

func TestEntityFromFlags(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		entName  string
		category string
		want     model.Entity
	}{
		{
			name: "domain",
			id:   "https://www.Acme.com/about",
			want: model.Entity{ID: "acme.com", Name: "acme.com", Domain: "acme.com"},
		},
		{
			name:     "domain with name",
			id:       "globex.io",
			entName:  "Globex",
			category: "cloud",
			want:     model.Entity{ID: "globex.io", Name: "Globex", Domain: "globex.io", Category: "cloud"},
		},
		{
			name: "opaque id",
			id:   "crm-1234",
			want: model.Entity{ID: "crm-1234", Name: "crm-1234"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, entityFromFlags(tt.id, tt.entName, tt.category))
		})
	}
}

func TestRatesFromConfig(t *testing.T) {
	rates := ratesFromConfig(config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{
			"claude-haiku": {Input: 1, Output: 5},
		},
		Jina:       config.JinaPricing{PerMTok: 0.02},
		Perplexity: config.PerplexityPricing{PerQuery: 0.005},
	})

	require.Len(t, rates.Anthropic, 1)
	assert.Equal(t, 1.0, rates.Anthropic["claude-haiku"].Input)
	assert.Equal(t, 5.0, rates.Anthropic["claude-haiku"].Output)
	assert.Equal(t, 0.02, rates.Jina.PerMTok)
	assert.Equal(t, 0.005, rates.Perplexity.PerQuery)
}

func TestRatesFromConfig_Defaults(t *testing.T) {
	rates := ratesFromConfig(config.PricingConfig{})
	assert.NotEmpty(t, rates.Anthropic)
}

func TestLoadCandidates(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`[
		{"id":"s1","entity_id":"acme.com","type":"RFP_DETECTED","confidence":0.8,"evidence":[]},
		{"id":"s2","entity_id":"acme.com","type":"HIRING_SURGE","confidence":0.4,"evidence":[]}
	]`), 0o644))

	signals, err := loadCandidates(good, "acme.com")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, model.SignalHiringSurge, signals[1].Type)

	_, err = loadCandidates(good, "globex.io")
	assert.ErrorContains(t, err, "belongs to")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"id":"s1","entity_id":"acme.com","type":"RUMOR"}]`), 0o644))
	_, err = loadCandidates(bad, "acme.com")
	assert.Error(t, err)

	_, err = loadCandidates(filepath.Join(dir, "missing.json"), "acme.com")
	assert.Error(t, err)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, model.EntityResult{EntityID: "acme.com", Status: model.RunPartial}))
	assert.Contains(t, buf.String(), "\"status\": \"partial\"")
}

func TestRunOptions(t *testing.T) {
	c := &config.Config{}
	c.Batch.MaxIterations = 7
	c.Batch.IterationDelaySecs = 0.5
	c.Ledger.MaxCostUSD = 1.25
	c.Ledger.DeltaStep = 0.4

	opts := runOptions(c)
	assert.Equal(t, 7, opts.MaxIterations)
	assert.Equal(t, 1.25, opts.MaxCostUSD)
	assert.Equal(t, 0.4, opts.DeltaStep)
	assert.Equal(t, "500ms", opts.IterationDelay.String())
}
