package verify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/pkg/anthropic"
)

const defaultMaxTokens = 512

// Config configures an AnthropicVerifier.
type Config struct {
	Tiers     []TierModel
	MaxTokens int64
	// Timeout bounds a single tier call including retries.
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// AnthropicVerifier serves every tier from Claude models. Each tier has its
// own circuit breaker so an overloaded expensive model does not block the
// cheap tier.
type AnthropicVerifier struct {
	client   anthropic.Client
	models   map[model.Tier]string
	cfg      Config
	breakers *resilience.Breakers
	system   []anthropic.SystemBlock
}

// NewAnthropicVerifier creates a verifier. Every tier must name a model.
func NewAnthropicVerifier(client anthropic.Client, cfg Config, breakers *resilience.Breakers) (*AnthropicVerifier, error) {
	if len(cfg.Tiers) == 0 {
		return nil, eris.New("verify: no tiers configured")
	}
	models := make(map[model.Tier]string, len(cfg.Tiers))
	for _, tm := range cfg.Tiers {
		if tm.Model == "" {
			return nil, eris.Errorf("verify: tier %s has no model", tm.Tier)
		}
		models[tm.Tier] = tm.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return &AnthropicVerifier{
		client:   client,
		models:   models,
		cfg:      cfg,
		breakers: breakers,
		system:   anthropic.BuildCachedSystemBlocks(systemPrompt, "5m"),
	}, nil
}

// Tiers returns the configured tier/model pairs.
func (v *AnthropicVerifier) Tiers() []TierModel {
	return append([]TierModel(nil), v.cfg.Tiers...)
}

// Evaluate asks the tier's model for a verdict on pc.
func (v *AnthropicVerifier) Evaluate(ctx context.Context, tier model.Tier, pc PromptContext) (*Judgment, error) {
	modelID, ok := v.models[tier]
	if !ok {
		return nil, eris.Errorf("verify: tier %s not configured", tier)
	}
	call := model.ToolCall{Tool: model.ToolVerifier, Tier: tier, PriceKey: modelID}

	if v.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
	}

	retry := v.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "verify_"+tier.String())
	}

	req := anthropic.MessageRequest{
		Model:     modelID,
		MaxTokens: v.cfg.MaxTokens,
		System:    v.system,
		Messages:  []anthropic.Message{{Role: "user", Content: buildPrompt(pc)}},
	}

	resp, err := resilience.ExecuteVal(ctx, v.breakers.Get("verifier_"+tier.String()),
		func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return v.client.CreateMessage(ctx, req)
			})
		})
	if err != nil {
		call.Error = err.Error()
		return &Judgment{Model: modelID, Call: call}, eris.Wrapf(err, "verify: tier %s", tier)
	}

	call.InputTokens = resp.Usage.BilledInput()
	call.OutputTokens = resp.Usage.OutputTokens

	j, err := parseJudgment(resp.Text())
	if err != nil {
		call.Error = err.Error()
		zap.L().Debug("verify: unparseable verdict",
			zap.String("tier", tier.String()),
			zap.String("signal_id", pc.Signal.ID),
			zap.Error(err),
		)
		return &Judgment{Model: modelID, Call: call}, err
	}
	j.Model = modelID
	j.Call = call
	return j, nil
}
