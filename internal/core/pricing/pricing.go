// Package pricing resolves a model id to its per-token cost and
// capability metadata: runtime overrides first, then exact lookup,
// then the longest registered prefix, then a conservative non-zero
// fallback so budget checks keep working for unknown models.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// Info is the pricing and capability record for one model id.
type Info struct {
	ModelID            string
	Provider           string
	Tier               shielddata.ModelTier
	InputCostPerToken  float64
	OutputCostPerToken float64
	ContextWindow      int
	MaxOutputTokens    int
	Capabilities       map[string]bool
	Source             string // "default" | "override" | "prefix-fallback" | "fallback"
}

// Cost computes the dollar cost of a completed exchange.
func (i Info) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*i.InputCostPerToken + float64(outputTokens)*i.OutputCostPerToken
}

// fallbackInfo's rates are deliberately conservative (priced like a mid
// budget-tier model) so an unrecognized model id never yields a free
// ride past the breaker or the user-budget manager.
var fallbackInfo = Info{
	InputCostPerToken:  2.0 / 1_000_000,
	OutputCostPerToken: 6.0 / 1_000_000,
	ContextWindow:      8_000,
	Tier:               shielddata.ModelTierBudget,
	Source:             "fallback",
}

// Table is the pricing registry. Exact lookup first, then the longest
// registered prefix of the model id, then the conservative fallback.
type Table struct {
	mu        sync.RWMutex
	entries   map[string]Info
	overrides map[string]Info
	prefixes  []string // sorted, longest-first, kept in sync with entries

	httpClient   *http.Client
	fetchURL     string
	allowedHosts map[string]bool
	lastFetch    time.Time
	minInterval  time.Duration
}

// New builds an empty table; callers populate it via Register/LoadDefaults.
func New() *Table {
	return &Table{
		entries:      make(map[string]Info),
		overrides:    make(map[string]Info),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		allowedHosts: make(map[string]bool),
		minInterval:  time.Hour,
	}
}

// Register adds or replaces a default pricing entry.
func (t *Table) Register(info Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info.Source = "default"
	t.entries[info.ModelID] = info
	t.reindexLocked()
}

// Override installs a runtime/config override, which always wins over
// a default entry for the same model id, the usual
// config-override-beats-default precedence.
func (t *Table) Override(info Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info.Source = "override"
	t.overrides[info.ModelID] = info
}

func (t *Table) reindexLocked() {
	seen := make(map[string]bool, len(t.entries))
	prefixes := make([]string, 0, len(t.entries))
	for id := range t.entries {
		if !seen[id] {
			seen[id] = true
			prefixes = append(prefixes, id)
		}
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	t.prefixes = prefixes
}

// Lookup resolves pricing for modelID: override, then exact match,
// then the longest registered prefix, then the non-zero fallback.
// The bool reports whether a non-fallback entry was found.
func (t *Table) Lookup(modelID string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.overrides[modelID]; ok {
		return info, true
	}
	if info, ok := t.entries[modelID]; ok {
		return info, true
	}
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(modelID, prefix) {
			info := t.entries[prefix]
			info.ModelID = modelID
			info.Source = "prefix-fallback"
			return info, true
		}
	}
	fallback := fallbackInfo
	fallback.ModelID = modelID
	return fallback, false
}

// LoadDefaults seeds the table with a small built-in set of commonly
// used models. Deployments wanting the full LiteLLM-style registry
// should call FetchLatestPricing against their own mirror instead.
func (t *Table) LoadDefaults() {
	defaults := []Info{
		{ModelID: "gpt-4o", Provider: "openai", Tier: shielddata.ModelTierPremium,
			InputCostPerToken: 2.5 / 1_000_000, OutputCostPerToken: 10.0 / 1_000_000,
			ContextWindow: 128_000, MaxOutputTokens: 16_384,
			Capabilities: map[string]bool{"vision": true, "function_calling": true}},
		{ModelID: "gpt-4o-mini", Provider: "openai", Tier: shielddata.ModelTierStandard,
			InputCostPerToken: 0.15 / 1_000_000, OutputCostPerToken: 0.6 / 1_000_000,
			ContextWindow: 128_000, MaxOutputTokens: 16_384,
			Capabilities: map[string]bool{"vision": true, "function_calling": true}},
		{ModelID: "gpt-3.5-turbo", Provider: "openai", Tier: shielddata.ModelTierBudget,
			InputCostPerToken: 0.5 / 1_000_000, OutputCostPerToken: 1.5 / 1_000_000,
			ContextWindow: 16_385, MaxOutputTokens: 4_096,
			Capabilities: map[string]bool{"function_calling": true}},
		{ModelID: "claude-3-5-sonnet", Provider: "anthropic", Tier: shielddata.ModelTierPremium,
			InputCostPerToken: 3.0 / 1_000_000, OutputCostPerToken: 15.0 / 1_000_000,
			ContextWindow: 200_000, MaxOutputTokens: 8_192,
			Capabilities: map[string]bool{"vision": true, "function_calling": true}},
		{ModelID: "claude-3-haiku", Provider: "anthropic", Tier: shielddata.ModelTierBudget,
			InputCostPerToken: 0.25 / 1_000_000, OutputCostPerToken: 1.25 / 1_000_000,
			ContextWindow: 200_000, MaxOutputTokens: 4_096,
			Capabilities: map[string]bool{"vision": true, "function_calling": true}},
		{ModelID: "claude-3-opus", Provider: "anthropic", Tier: shielddata.ModelTierFlagship,
			InputCostPerToken: 15.0 / 1_000_000, OutputCostPerToken: 75.0 / 1_000_000,
			ContextWindow: 200_000, MaxOutputTokens: 4_096,
			Capabilities: map[string]bool{"vision": true, "function_calling": true}},
		{ModelID: "gemini-1.5-pro", Provider: "google", Tier: shielddata.ModelTierPremium,
			InputCostPerToken: 1.25 / 1_000_000, OutputCostPerToken: 5.0 / 1_000_000,
			ContextWindow: 2_000_000, MaxOutputTokens: 8_192,
			Capabilities: map[string]bool{"vision": true}},
		{ModelID: "gemini-1.5-flash", Provider: "google", Tier: shielddata.ModelTierStandard,
			InputCostPerToken: 0.075 / 1_000_000, OutputCostPerToken: 0.3 / 1_000_000,
			ContextWindow: 1_000_000, MaxOutputTokens: 8_192},
	}
	for _, d := range defaults {
		t.Register(d)
	}
}

// ConfigureFetch wires an HTTPS endpoint and host allowlist for
// FetchLatestPricing.
func (t *Table) ConfigureFetch(fetchURL string, allowedHosts []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetchURL = fetchURL
	for _, h := range allowedHosts {
		t.allowedHosts[h] = true
	}
}

// FetchResult summarizes one pricing refresh: how many entries were
// newly added vs. updated in place, and which were rejected per-field.
type FetchResult struct {
	Added    int
	Updated  int
	Rejected []string // "<modelID>: <reason>" per rejected entry
}

// validateEntry rejects pricing records a feed must never be allowed
// to install: zero or negative rates would give models a free ride
// past the breaker and budget checks, and a missing provider or
// context window breaks routing.
func validateEntry(info Info) error {
	if info.InputCostPerToken <= 0 {
		return fmt.Errorf("input cost per token must be positive, got %g", info.InputCostPerToken)
	}
	if info.OutputCostPerToken <= 0 {
		return fmt.Errorf("output cost per token must be positive, got %g", info.OutputCostPerToken)
	}
	if info.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if info.ContextWindow <= 0 {
		return fmt.Errorf("context window must be positive, got %d", info.ContextWindow)
	}
	return nil
}

// FetchLatestPricing refreshes the table from the configured HTTPS
// endpoint. It refuses non-HTTPS URLs and hosts outside the allowlist,
// and is rate-limited to once per minInterval unless force is set.
// Entries failing per-field validation are skipped and reported in the
// result; they never overwrite what the registry already holds.
func (t *Table) FetchLatestPricing(ctx context.Context, force bool) (FetchResult, error) {
	t.mu.Lock()
	fetchURL := t.fetchURL
	last := t.lastFetch
	interval := t.minInterval
	t.mu.Unlock()

	var result FetchResult

	if fetchURL == "" {
		return result, fmt.Errorf("pricing: fetch not configured")
	}
	if !force && time.Since(last) < interval {
		return result, fmt.Errorf("pricing: fetch throttled, next allowed at %s", last.Add(interval))
	}

	u, err := url.Parse(fetchURL)
	if err != nil {
		return result, fmt.Errorf("pricing: invalid fetch URL: %w", err)
	}
	if u.Scheme != "https" {
		return result, fmt.Errorf("pricing: fetch URL must use https")
	}
	t.mu.RLock()
	allowed := t.allowedHosts[u.Hostname()]
	t.mu.RUnlock()
	if !allowed {
		return result, fmt.Errorf("pricing: host %q is not in the fetch allowlist", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return result, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("pricing: fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("pricing: fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return result, err
	}
	var payload map[string]Info
	if err := json.Unmarshal(body, &payload); err != nil {
		return result, fmt.Errorf("pricing: malformed pricing payload: %w", err)
	}
	for id, info := range payload {
		info.ModelID = id
		if err := validateEntry(info); err != nil {
			result.Rejected = append(result.Rejected, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		t.mu.RLock()
		_, exists := t.entries[id]
		t.mu.RUnlock()
		if exists {
			result.Updated++
		} else {
			result.Added++
		}
		t.Register(info)
	}

	t.mu.Lock()
	t.lastFetch = time.Now()
	t.mu.Unlock()
	return result, nil
}

// All returns a snapshot of every default+override entry, used by the
// router to enumerate routing candidates.
func (t *Table) All() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.entries)+len(t.overrides))
	for _, info := range t.entries {
		if _, overridden := t.overrides[info.ModelID]; overridden {
			continue
		}
		out = append(out, info)
	}
	for _, info := range t.overrides {
		out = append(out, info)
	}
	return out
}
