// Package complexity scores a prompt's difficulty on a nine-signal
// composite (0..100), maps it to a tier and a recommended model tier,
// and caches results in a small FIFO keyed by prompt text.
package complexity

import (
	"regexp"
	"strings"
	"sync"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

const (
	maxCacheEntries       = 100
	maxCacheablePromptLen = 10_000
)

var reasoningKeywords = []string{
	"why", "explain", "analyze", "compare", "evaluate", "reason",
	"justify", "prove", "derive", "because", "therefore", "trade-off",
}

var constraintKeywords = []string{
	"must", "should", "only", "never", "always", "exactly",
	"required", "constraint", "limit", "at most", "at least",
}

var codeTokenRe = regexp.MustCompile("```|`[^`\n]+`|\\bfunc\\b|\\bclass\\b|\\bimport\\b|\\bdef\\b|;\\s*$|\\{|\\}")
var sentenceSplitRe = regexp.MustCompile(`[.!?]+`)
var wordRe = regexp.MustCompile(`[A-Za-z0-9']+`)
var listItemRe = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+`)
var structuredOutputRe = regexp.MustCompile(`(?i)\b(json|yaml|xml|csv|table|schema)\b`)
var contextDependentRe = regexp.MustCompile(`(?i)\b(as (?:above|before|mentioned)|earlier|previous(?:ly)?|that (?:file|code|function)|this (?:file|code|function))\b`)

// TokenCounter matches tokenizer.Estimator.EstimateText's signature.
type TokenCounter func(text, modelID string) int

func countOccurrences(lowerText string, keywords []string) int {
	count := 0
	for _, kw := range keywords {
		count += strings.Count(lowerText, kw)
	}
	return count
}

// computeSignals computes the nine measurable inputs from raw prompt text.
func computeSignals(prompt, modelID string, tokenCount TokenCounter) shielddata.ComplexitySignals {
	lower := strings.ToLower(prompt)
	words := wordRe.FindAllString(prompt, -1)

	uniqueWords := make(map[string]bool, len(words))
	totalWordLen := 0
	for _, w := range words {
		uniqueWords[strings.ToLower(w)] = true
		totalWordLen += len(w)
	}

	avgWordLen := 0.0
	if len(words) > 0 {
		avgWordLen = float64(totalWordLen) / float64(len(words))
	}
	diversity := 0.0
	if len(words) > 0 {
		diversity = float64(len(uniqueWords)) / float64(len(words))
	}

	sentenceCount := len(sentenceSplitRe.Split(strings.TrimSpace(prompt), -1))

	return shielddata.ComplexitySignals{
		TokenCount:        tokenCount(prompt, modelID),
		AvgWordLength:     avgWordLen,
		SentenceCount:     sentenceCount,
		LexicalDiversity:  diversity,
		CodeTokenCount:    len(codeTokenRe.FindAllString(prompt, -1)),
		ReasoningKeywords:  countOccurrences(lower, reasoningKeywords),
		ConstraintKeywords: countOccurrences(lower, constraintKeywords),
		StructuredOutput:  structuredOutputRe.MatchString(prompt),
		SubTaskCount:      len(listItemRe.FindAllString(prompt, -1)),
		ContextDependent:  contextDependentRe.MatchString(prompt),
	}
}

func clamp(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

// Score combines the nine signals into the 0..100 composite via a
// weighted clamped sum.
func score(s shielddata.ComplexitySignals) int {
	total := 0.0
	total += clamp(float64(s.TokenCount)/40, 25) // ~1000 tokens saturates the token signal
	total += clamp(float64(s.ReasoningKeywords)*5, 20)
	total += clamp(float64(s.ConstraintKeywords)*2.5, 10)
	total += clamp(float64(s.CodeTokenCount)*1.5, 15)
	total += s.LexicalDiversity * 10
	if s.StructuredOutput {
		total += 5
	}
	total += clamp(float64(s.SubTaskCount)*3, 10)
	if s.ContextDependent {
		total += 5
	}
	if total > 100 {
		total = 100
	}
	return int(total)
}

func tierFor(score int) (shielddata.ComplexityTier, shielddata.ModelTier) {
	switch {
	case score < 15:
		return shielddata.TierTrivial, shielddata.ModelTierBudget
	case score < 35:
		return shielddata.TierSimple, shielddata.ModelTierBudget
	case score < 55:
		return shielddata.TierModerate, shielddata.ModelTierStandard
	case score < 75:
		return shielddata.TierComplex, shielddata.ModelTierPremium
	default:
		return shielddata.TierExpert, shielddata.ModelTierFlagship
	}
}

// Scorer wraps the scoring function with a FIFO result cache.
type Scorer struct {
	mu      sync.Mutex
	order   []string
	entries map[string]shielddata.ComplexityScore
}

func New() *Scorer {
	return &Scorer{entries: make(map[string]shielddata.ComplexityScore)}
}

// Score returns the cached score for prompt if present, else computes,
// caches (unless the prompt exceeds the cacheable length), and returns
// a fresh one.
func (sc *Scorer) Score(prompt, modelID string, tokenCount TokenCounter) shielddata.ComplexityScore {
	cacheable := len(prompt) <= maxCacheablePromptLen
	key := modelID + "\x00" + prompt

	if cacheable {
		sc.mu.Lock()
		if cached, ok := sc.entries[key]; ok {
			sc.mu.Unlock()
			return cached
		}
		sc.mu.Unlock()
	}

	signals := computeSignals(prompt, modelID, tokenCount)
	composite := score(signals)
	tier, recommended := tierFor(composite)
	result := shielddata.ComplexityScore{Score: composite, Tier: tier, Signals: signals, RecommendedTier: recommended}

	if cacheable {
		sc.mu.Lock()
		sc.storeLocked(key, result)
		sc.mu.Unlock()
	}
	return result
}

func (sc *Scorer) storeLocked(key string, result shielddata.ComplexityScore) {
	if _, exists := sc.entries[key]; exists {
		sc.entries[key] = result
		return
	}
	if len(sc.order) >= maxCacheEntries {
		oldest := sc.order[0]
		sc.order = sc.order[1:]
		delete(sc.entries, oldest)
	}
	sc.order = append(sc.order, key)
	sc.entries[key] = result
}
