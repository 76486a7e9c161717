package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/readiness-cli/internal/config"
	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/discovery"
	"github.com/sells-group/readiness-cli/internal/engine"
	"github.com/sells-group/readiness-cli/internal/enrich"
	"github.com/sells-group/readiness-cli/internal/evidence"
	"github.com/sells-group/readiness-cli/internal/hypothesis"
	"github.com/sells-group/readiness-cli/internal/ledger"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/internal/store"
	"github.com/sells-group/readiness-cli/internal/validation"
	"github.com/sells-group/readiness-cli/internal/verify"
	anthropicpkg "github.com/sells-group/readiness-cli/pkg/anthropic"
	"github.com/sells-group/readiness-cli/pkg/jina"
	"github.com/sells-group/readiness-cli/pkg/notion"
	"github.com/sells-group/readiness-cli/pkg/perplexity"
)

// engineEnv holds the store, clients and engine shared by the run, validate,
// batch, state and serve commands.
type engineEnv struct {
	Store     store.Store
	Snapshots ledger.Snapshots
	Runner    *engine.Runner
	States    *hypothesis.Service
	Notion    notion.Client // nil when notion.token is unset
	Breakers  *resilience.Breakers
	redis     *redis.Client
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine validates the configuration for mode and wires the engine.
// A --fixtures file replaces live search, so only the verifier key is
// required. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if fixturesPath != "" && mode == "run" {
		mode = "validate"
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	env := &engineEnv{Store: st}

	src, err := initSource()
	if err != nil {
		env.Close()
		return nil, err
	}

	calc := cost.NewCalculator(ratesFromConfig(cfg.Pricing))
	breakers := resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	env.Breakers = breakers
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	tiers := []verify.TierModel{
		{Tier: model.TierCheap, Model: cfg.Anthropic.HaikuModel},
		{Tier: model.TierMid, Model: cfg.Anthropic.SonnetModel},
		{Tier: model.TierExpensive, Model: cfg.Anthropic.OpusModel},
	}
	verifier, err := verify.NewAnthropicVerifier(anthropicClient, verify.Config{
		Tiers:     tiers,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Timeout:   seconds(float64(cfg.Validation.TierTimeoutSecs)),
	}, breakers)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init verifier")
	}

	enricher := enrich.New(st, src, enrich.Config{
		Lookback:         time.Duration(cfg.Enrich.LookbackDays) * 24 * time.Hour,
		MaxStoredSignals: cfg.Enrich.MaxStoredSignals,
		MaxSearchHits:    cfg.Enrich.MaxSearchHits,
		Timeout:          seconds(float64(cfg.Enrich.TimeoutSecs)),
	})

	validator, err := validation.New(verifier, tiers, calc, enricher, st, validation.Config{
		MinConfidence:   cfg.Validation.MinConfidence,
		MinEvidence:     cfg.Validation.MinEvidence,
		MinCredibility:  cfg.Validation.MinCredibility,
		AdjustmentBound: cfg.Validation.AdjustmentBound,
		TopEvidence:     cfg.Validation.TopEvidence,
		TerminalAccept:  cfg.Validation.TerminalAccept,
		Concurrency:     cfg.Validation.Concurrency,
	})
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init validator")
	}

	detectorSrc := src
	if detectorSrc == nil {
		// Validate mode without a search key: discovery finds nothing.
		detectorSrc = &evidence.FixtureSource{}
	}
	detector, err := discovery.NewDetector(detectorSrc, anthropicClient, discovery.DefaultConfig(cfg.Anthropic.HaikuModel), breakers)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init detector")
	}

	env.States, env.redis, err = initStates()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Snapshots = ledger.Snapshots{Dir: cfg.Ledger.SnapshotDir, Calc: calc}
	env.Runner, err = engine.NewRunner(detector, validator, env.States, env.Snapshots)
	if err != nil {
		env.Close()
		return nil, err
	}

	if cfg.Notion.Token != "" {
		env.Notion = notion.NewClient(cfg.Notion.Token)
	}

	zap.L().Info("engine initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("live_search", fixturesPath == ""),
		zap.Bool("redis_cache", env.redis != nil),
	)
	return env, nil
}

// initSource selects the evidence source: the fixture file when given,
// otherwise Jina with Perplexity as fallback. Live sources share one rate
// limiter across every worker.
func initSource() (evidence.Source, error) {
	if fixturesPath != "" {
		fs, err := evidence.LoadFixtures(fixturesPath)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}

	var primary, fallback evidence.Source
	if cfg.Jina.Key != "" {
		jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
		if cfg.Jina.SearchBaseURL != "" {
			jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		primary = evidence.NewJinaSource(jina.NewClient(cfg.Jina.Key, jinaOpts...))
	}
	if cfg.Perplexity.Key != "" {
		fallback = evidence.NewPerplexitySource(perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		))
	}
	src := evidence.Select(primary, fallback)
	if src == nil {
		return nil, nil
	}

	var limiter *rate.Limiter
	if cfg.Batch.SourceRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Batch.SourceRPS), max(cfg.Batch.SourceBurst, 1))
	}
	return evidence.Limit(src, limiter), nil
}

// initStates builds the hypothesis service from the scoring profile, cached
// in Redis when redis.addr is set and in process otherwise.
func initStates() (*hypothesis.Service, *redis.Client, error) {
	profile := hypothesis.DefaultProfile()
	if cfg.Hypothesis.ProfilePath != "" {
		p, err := hypothesis.LoadProfile(cfg.Hypothesis.ProfilePath)
		if err != nil {
			return nil, nil, eris.Wrap(err, "load hypothesis profile")
		}
		profile = p
	}
	machine, err := hypothesis.NewMachine(profile)
	if err != nil {
		return nil, nil, eris.Wrap(err, "init hypothesis machine")
	}

	if cfg.Redis.Addr == "" {
		return hypothesis.NewService(machine, hypothesis.NewMemoryCache()), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ttl := time.Duration(cfg.Redis.TTLMinutes) * time.Minute
	return hypothesis.NewService(machine, hypothesis.NewRedisCache(rdb, ttl)), rdb, nil
}

// runOptions maps configuration onto engine options.
func runOptions(c *config.Config) engine.Options {
	return engine.Options{
		MaxIterations:  c.Batch.MaxIterations,
		MaxCostUSD:     c.Ledger.MaxCostUSD,
		IterationDelay: seconds(c.Batch.IterationDelaySecs),
		DeltaStep:      c.Ledger.DeltaStep,
	}
}

// ratesFromConfig converts the pricing section into calculator rates. The
// built-in model prices apply when none are configured.
func ratesFromConfig(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	if len(p.Anthropic) > 0 {
		rates.Anthropic = make(map[string]cost.ModelRate, len(p.Anthropic))
		for m, r := range p.Anthropic {
			rates.Anthropic[m] = cost.ModelRate{Input: r.Input, Output: r.Output}
		}
	}
	rates.Jina = cost.JinaRate{PerMTok: p.Jina.PerMTok}
	rates.Perplexity = cost.PerplexityRate{PerQuery: p.Perplexity.PerQuery}
	return rates
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
