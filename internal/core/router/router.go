// Package router picks the cheapest model meeting a request's tier,
// capability, and context-window requirements, with a pluggable
// tie-break strategy for candidates that share the lowest cost.
package router

import (
	"context"
	"math/rand"
	"sort"

	"github.com/amerfu/promptshield/internal/core/pricing"
	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// Filter describes the admissible set of models for a routing decision.
type Filter struct {
	AllowedProviders   []string // empty means any
	MinTier            shielddata.ModelTier
	MinContextWindow   int
	RequiredCapabilities []string
	CrossProvider      bool // if false, restrict to DefaultModel's provider
	HoldbackFraction   float64
}

// Candidate is one priced, filtered routing option.
type Candidate struct {
	Info          pricing.Info
	EstimatedCost float64
}

// Strategy tie-breaks between candidates that share the lowest cost.
type Strategy interface {
	Name() string
	Select(ctx context.Context, candidates []Candidate) (Candidate, error)
}

// PriorityStrategy returns the first (pre-sorted) candidate.
type PriorityStrategy struct{}

func (PriorityStrategy) Name() string { return "priority" }

func (PriorityStrategy) Select(ctx context.Context, candidates []Candidate) (Candidate, error) {
	return candidates[0], nil
}

// RandomStrategy spreads load across equally-priced candidates.
type RandomStrategy struct{}

func (RandomStrategy) Name() string { return "random" }

func (RandomStrategy) Select(ctx context.Context, candidates []Candidate) (Candidate, error) {
	return candidates[rand.Intn(len(candidates))], nil
}

// Result is the routing decision and its accounting.
type Result struct {
	Selected         pricing.Info
	EstimatedCost    float64
	SavingsVsDefault float64
	CrossProvider    bool
	Holdback         bool
}

// TokenEstimator predicts the input+output tokens a request will
// consume, so each priced candidate can be costed consistently.
type TokenEstimator func(modelID string) (inputTokens, outputTokens int)

// Route filters table by filter (plus the default model's provider
// unless CrossProvider is set), sorts survivors by estimated cost
// ascending, and returns the cheapest — tie-broken by strategy if more
// than one candidate shares the minimum cost. An empty filter result
// falls back to defaultModelID with zero savings. holdback, when true,
// always skips routing and returns the default model untouched.
func Route(ctx context.Context, table *pricing.Table, filter Filter, defaultModelID string, estimate TokenEstimator, strategy Strategy, holdback bool) Result {
	defaultInfo, _ := table.Lookup(defaultModelID)
	defaultIn, defaultOut := estimate(defaultModelID)
	defaultCost := defaultInfo.Cost(defaultIn, defaultOut)

	if holdback {
		return Result{Selected: defaultInfo, EstimatedCost: defaultCost, Holdback: true}
	}

	candidates := filterCandidates(table, filter, defaultInfo, estimate)
	if len(candidates) == 0 {
		return Result{Selected: defaultInfo, EstimatedCost: defaultCost}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EstimatedCost < candidates[j].EstimatedCost
	})

	tied := tiedWithLowest(candidates)
	chosen := candidates[0]
	if len(tied) > 1 && strategy != nil {
		if selected, err := strategy.Select(ctx, tied); err == nil {
			chosen = selected
		}
	}

	return Result{
		Selected:         chosen.Info,
		EstimatedCost:    chosen.EstimatedCost,
		SavingsVsDefault: defaultCost - chosen.EstimatedCost,
		CrossProvider:    chosen.Info.Provider != defaultInfo.Provider,
	}
}

func tiedWithLowest(sorted []Candidate) []Candidate {
	if len(sorted) == 0 {
		return nil
	}
	lowest := sorted[0].EstimatedCost
	i := 1
	for i < len(sorted) && sorted[i].EstimatedCost == lowest {
		i++
	}
	return sorted[:i]
}

func filterCandidates(table *pricing.Table, filter Filter, defaultInfo pricing.Info, estimate TokenEstimator) []Candidate {
	allowed := make(map[string]bool, len(filter.AllowedProviders))
	for _, p := range filter.AllowedProviders {
		allowed[p] = true
	}

	var out []Candidate
	for _, info := range table.All() {
		if len(allowed) > 0 && !allowed[info.Provider] {
			continue
		}
		if !filter.CrossProvider && info.Provider != defaultInfo.Provider {
			continue
		}
		if filter.MinTier != "" && !info.Tier.AtLeast(filter.MinTier) {
			continue
		}
		if filter.MinContextWindow > 0 && info.ContextWindow < filter.MinContextWindow {
			continue
		}
		if !hasAllCapabilities(info, filter.RequiredCapabilities) {
			continue
		}
		in, outTok := estimate(info.ModelID)
		out = append(out, Candidate{Info: info, EstimatedCost: info.Cost(in, outTok)})
	}
	return out
}

func hasAllCapabilities(info pricing.Info, required []string) bool {
	for _, cap := range required {
		if !info.Capabilities[cap] {
			return false
		}
	}
	return true
}

// ShouldHoldback deterministically samples a request into the A/B
// hold-back fraction using the supplied [0,1) random draw, so the
// caller controls reproducibility in tests.
func ShouldHoldback(fraction float64, draw float64) bool {
	if fraction <= 0 {
		return false
	}
	return draw < fraction
}
