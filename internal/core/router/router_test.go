package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/promptshield/internal/core/pricing"
	"github.com/amerfu/promptshield/internal/core/shielddata"
)

func newTestTable() *pricing.Table {
	t := pricing.New()
	t.Register(pricing.Info{ModelID: "gpt-4o", Provider: "openai", Tier: shielddata.ModelTierPremium,
		InputCostPerToken: 5e-6, OutputCostPerToken: 15e-6, ContextWindow: 128_000,
		Capabilities: map[string]bool{"vision": true}})
	t.Register(pricing.Info{ModelID: "gpt-4o-mini", Provider: "openai", Tier: shielddata.ModelTierStandard,
		InputCostPerToken: 1.5e-7, OutputCostPerToken: 6e-7, ContextWindow: 128_000,
		Capabilities: map[string]bool{"vision": true}})
	t.Register(pricing.Info{ModelID: "claude-3-haiku", Provider: "anthropic", Tier: shielddata.ModelTierBudget,
		InputCostPerToken: 2.5e-7, OutputCostPerToken: 1.25e-6, ContextWindow: 200_000,
		Capabilities: map[string]bool{}})
	return t
}

func fixedEstimate(in, out int) TokenEstimator {
	return func(modelID string) (int, int) { return in, out }
}

func TestRoute_PicksCheapestWithinSameProvider(t *testing.T) {
	table := newTestTable()
	res := Route(context.Background(), table, Filter{}, "gpt-4o", fixedEstimate(1000, 500), nil, false)
	assert.Equal(t, "gpt-4o-mini", res.Selected.ModelID)
	assert.False(t, res.CrossProvider)
	assert.Greater(t, res.SavingsVsDefault, 0.0)
}

func TestRoute_CrossProviderWhenAllowed(t *testing.T) {
	table := newTestTable()
	// Only claude-3-haiku has a context window over 128k, so the match
	// has to come from outside the default model's provider.
	res := Route(context.Background(), table, Filter{CrossProvider: true, MinContextWindow: 150_000}, "gpt-4o", fixedEstimate(1000, 500), nil, false)
	assert.Equal(t, "claude-3-haiku", res.Selected.ModelID)
	assert.True(t, res.CrossProvider)
}

func TestRoute_RestrictsByMinTier(t *testing.T) {
	table := newTestTable()
	res := Route(context.Background(), table, Filter{CrossProvider: true, MinTier: shielddata.ModelTierPremium}, "gpt-4o", fixedEstimate(1000, 500), nil, false)
	assert.Equal(t, "gpt-4o", res.Selected.ModelID)
	assert.Equal(t, 0.0, res.SavingsVsDefault)
}

func TestRoute_RestrictsByRequiredCapability(t *testing.T) {
	table := newTestTable()
	res := Route(context.Background(), table, Filter{CrossProvider: true, RequiredCapabilities: []string{"vision"}}, "gpt-4o", fixedEstimate(1000, 500), nil, false)
	assert.NotEqual(t, "claude-3-haiku", res.Selected.ModelID)
}

func TestRoute_EmptyFilterResultFallsBackToDefault(t *testing.T) {
	table := newTestTable()
	res := Route(context.Background(), table, Filter{AllowedProviders: []string{"nonexistent"}}, "gpt-4o", fixedEstimate(1000, 500), nil, false)
	assert.Equal(t, "gpt-4o", res.Selected.ModelID)
	assert.Equal(t, 0.0, res.SavingsVsDefault)
}

func TestRoute_HoldbackSkipsRoutingEntirely(t *testing.T) {
	table := newTestTable()
	res := Route(context.Background(), table, Filter{}, "gpt-4o", fixedEstimate(1000, 500), nil, true)
	assert.True(t, res.Holdback)
	assert.Equal(t, "gpt-4o", res.Selected.ModelID)
}

func TestRoute_PriorityStrategyTieBreaksDeterministically(t *testing.T) {
	table := pricing.New()
	table.Register(pricing.Info{ModelID: "model-a", Provider: "x", InputCostPerToken: 1e-6, OutputCostPerToken: 1e-6})
	table.Register(pricing.Info{ModelID: "model-b", Provider: "x", InputCostPerToken: 1e-6, OutputCostPerToken: 1e-6})

	res := Route(context.Background(), table, Filter{}, "model-a", fixedEstimate(100, 100), PriorityStrategy{}, false)
	require.Contains(t, []string{"model-a", "model-b"}, res.Selected.ModelID)
}

func TestShouldHoldback_RespectsFraction(t *testing.T) {
	assert.True(t, ShouldHoldback(0.1, 0.05))
	assert.False(t, ShouldHoldback(0.1, 0.5))
	assert.False(t, ShouldHoldback(0, 0.0))
}

func TestPriorityStrategy_ReturnsFirstCandidate(t *testing.T) {
	candidates := []Candidate{
		{Info: pricing.Info{ModelID: "a"}, EstimatedCost: 1},
		{Info: pricing.Info{ModelID: "b"}, EstimatedCost: 1},
	}
	selected, err := PriorityStrategy{}.Select(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, "a", selected.Info.ModelID)
}

func TestRandomStrategy_SelectsFromCandidates(t *testing.T) {
	candidates := []Candidate{
		{Info: pricing.Info{ModelID: "a"}, EstimatedCost: 1},
		{Info: pricing.Info{ModelID: "b"}, EstimatedCost: 1},
	}
	selected, err := RandomStrategy{}.Select(context.Background(), candidates)
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, selected.Info.ModelID)
}
