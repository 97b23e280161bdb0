package shield

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/promptshield/internal/config"
	"github.com/amerfu/promptshield/internal/core/pricing"
	"github.com/amerfu/promptshield/internal/core/shielddata"
	"github.com/amerfu/promptshield/internal/core/shielderr"
	"github.com/amerfu/promptshield/internal/core/tokenizer"
)

func newTestPipeline(t *testing.T, mutate func(*config.Config)) *Pipeline {
	t.Helper()

	table := pricing.New()
	table.LoadDefaults()

	tok, err := tokenizer.New()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Modules = config.ModulesConfig{
		Guard: true, Cache: true, Context: true, Router: false,
		Prefix: false, Ledger: true, Anomaly: true, Compressor: true, Delta: true,
	}
	cfg.DefaultModelID = "gpt-4o-mini"
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(Options{Config: cfg, Pricing: table, Tokenizer: tok})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func userMessage(text string) []shielddata.Message {
	return []shielddata.Message{
		{Role: shielddata.RoleUser, Content: []shielddata.ContentPart{{Type: "text", Text: text}}},
	}
}

func TestWrap_CacheHitRoundTrip(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.Guard.DebounceMs = 0 // the two requests run back-to-back
	})
	ctx := context.Background()
	params := shielddata.RequestParams{ModelID: "gpt-4o-mini", Prompt: userMessage("what is the capital of france")}

	calls := 0
	invoke := func(ctx context.Context, params shielddata.RequestParams) (shielddata.InvokeResult, error) {
		calls++
		return shielddata.InvokeResult{Text: "Paris", Usage: shielddata.Usage{PromptTokens: 10, CompletionTokens: 2}}, nil
	}

	first, err := p.Wrap(ctx, params, invoke)
	require.NoError(t, err)
	assert.Equal(t, "Paris", first.Text)
	assert.Equal(t, 1, calls)

	second, err := p.Wrap(ctx, params, invoke)
	require.NoError(t, err)
	assert.Equal(t, "Paris", second.Text)
	assert.Equal(t, 1, calls, "second request must be served from cache, not re-invoked")

	assert.Equal(t, int64(1), p.cache.Stats().Hits)
}

func TestWrap_BudgetBlocksAfterSpend(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.UserBudget.DefaultBudget = &config.UserBudgetPolicy{Daily: 0.0001, Monthly: 0.0001}
		c.Modules.Cache = false // force every request through to budgeting
		c.Guard.DebounceMs = 0
	})
	ctx := context.Background()
	invoke := func(ctx context.Context, params shielddata.RequestParams) (shielddata.InvokeResult, error) {
		return shielddata.InvokeResult{Text: "ok", Usage: shielddata.Usage{PromptTokens: 500, CompletionTokens: 500}}, nil
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		params := shielddata.RequestParams{ModelID: "gpt-4o", Prompt: userMessage("expensive request number")}
		_, err := p.Wrap(ctx, params, invoke)
		if err != nil {
			lastErr = err
		}
	}

	require.Error(t, lastErr)
	var blocked *shielderr.BlockedError
	require.ErrorAs(t, lastErr, &blocked)
}

func TestApplyCompressor_LeavesMessagesUntouchedWhenNothingCompresses(t *testing.T) {
	p := newTestPipeline(t, nil)
	messages := userMessage("x")
	out, saved := p.applyCompressor(messages, "gpt-4o-mini", false)
	assert.Equal(t, messages, out)
	assert.Equal(t, 0, saved)
}

func TestRoute_CrossProviderOffStaysWithinProviderForTrivialPrompt(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.Modules.Router = true
		c.Router.CrossProvider = false
	})
	ctx := context.Background()
	sidecar := &Sidecar{PromptText: "Hi"}
	selected := p.route(ctx, sidecar, userMessage("Hi"), shielddata.RequestParams{ModelID: "claude-3-5-sonnet"})

	info, known := p.pricing.Lookup(selected)
	require.True(t, known)
	assert.Equal(t, "anthropic", info.Provider, "with crossProvider off the router must stay on the default model's provider")
}

func TestRoute_HoldbackAlwaysKeepsOriginalModel(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.Modules.Router = true
		c.Router.ABTestHoldback = 1.0
	})
	p.routerFilter.HoldbackFraction = 1.0
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sidecar := &Sidecar{PromptText: "anything"}
		selected := p.route(ctx, sidecar, userMessage("anything"), shielddata.RequestParams{ModelID: "gpt-4o"})
		assert.Equal(t, "gpt-4o", selected)
		assert.True(t, sidecar.ABTestHoldout)
	}
}

func TestGuard_RateLimitReleaseReturnsInflightToZero(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.Guard.MaxRequestsPerMinute = 1
		c.Guard.DebounceMs = 0
		c.Modules.Cache = false
	})
	ctx := context.Background()
	invoke := func(ctx context.Context, params shielddata.RequestParams) (shielddata.InvokeResult, error) {
		return shielddata.InvokeResult{Text: "ok", Usage: shielddata.Usage{PromptTokens: 5, CompletionTokens: 5}}, nil
	}

	_, err := p.Wrap(ctx, shielddata.RequestParams{ModelID: "gpt-4o-mini", Prompt: userMessage("first request")}, invoke)
	require.NoError(t, err)

	_, err = p.Wrap(ctx, shielddata.RequestParams{ModelID: "gpt-4o-mini", Prompt: userMessage("second request")}, invoke)
	require.Error(t, err)
	var blocked *shielderr.BlockedError
	require.ErrorAs(t, err, &blocked)

	assert.Equal(t, 0, p.guard.Stats().InFlightCount)
}

func TestTransform_CancelledContextBlocksWithCancelledReason(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.Transform(ctx, shielddata.RequestParams{ModelID: "gpt-4o-mini", Prompt: userMessage("hello there")})
	require.Error(t, err)
	assert.ErrorIs(t, err, shielderr.ErrCancelled)
	assert.Equal(t, 0, p.guard.Stats().InFlightCount)
}

func TestTransform_DryRunReturnsParamsUnchanged(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.DryRun = true
	})
	params := shielddata.RequestParams{ModelID: "gpt-4o-mini", Prompt: userMessage("hello there friend")}

	out, sidecar, err := p.Transform(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, sidecar)
	assert.Equal(t, params.ModelID, out.ModelID)
	assert.Equal(t, params.Prompt, out.Prompt)
}

func TestHealthCheck_ReportsModuleSnapshot(t *testing.T) {
	p := newTestPipeline(t, nil)
	h := p.HealthCheck()
	assert.True(t, h.Healthy)
	assert.Equal(t, p.cfg.Modules, h.Modules)
}
