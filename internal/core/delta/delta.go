// Package delta is the cross-turn paragraph deduplicator: it scans a
// conversation's messages in order, fingerprints every system and
// assistant paragraph seen so far, and rewrites a user message's
// paragraphs that restate those fingerprints — either as a short
// back-reference, a drop, or (for block-quoted text) a reference to
// the previous response. Paragraphs are compared by Jaccard similarity
// of their lower-cased word sets, so case, punctuation and spacing
// differences do not matter; the helpers are delta's own and do not
// come from compressor.
package delta

import (
	"regexp"
	"strings"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

const (
	minParagraphLength   = 50
	systemMatchThreshold = 0.95
)

// Estimator matches tokenizer.Estimator's EstimateText signature
// without importing it.
type Estimator func(text, modelID string) int

// Result carries the rewrite outcome plus accounting for the pipeline
// sidecar.
type Result struct {
	Messages    []shielddata.Message
	Applied     bool
	SavedTokens int
}

// Config controls the minimum savings gate.
type Config struct {
	MinSavingsTokens int
}

func DefaultConfig() Config {
	return Config{MinSavingsTokens: 5}
}

var paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)
var wordRe = regexp.MustCompile(`[a-z0-9']+`)

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphSplitRe.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isBlockquote(paragraph string) (quoted string, ok bool) {
	lines := strings.Split(paragraph, "\n")
	var unquoted []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, ">") {
			return "", false
		}
		unquoted = append(unquoted, strings.TrimSpace(strings.TrimPrefix(trimmed, ">")))
	}
	return strings.Join(unquoted, " "), true
}

// fingerprint is a paragraph's normalized text plus its precomputed
// word set, kept together so repeated similarity checks don't
// re-tokenize the same string.
type fingerprint struct {
	normalized string
	words      map[string]bool
}

// Apply scans messages in order, rewriting user-message paragraphs
// that restate a system or prior-turn paragraph. The rewrite is kept
// only if the net token savings reach cfg.MinSavingsTokens.
func Apply(cfg Config, messages []shielddata.Message, modelID string, estimate Estimator) Result {
	var systemFingerprints []fingerprint
	var turnFingerprints []fingerprint

	out := make([]shielddata.Message, len(messages))
	copy(out, messages)

	originalTokens := 0
	for _, m := range messages {
		originalTokens += estimate(m.Text(), modelID)
	}

	for i, m := range messages {
		switch m.Role {
		case shielddata.RoleSystem:
			for _, p := range splitParagraphs(m.Text()) {
				if len(p) < minParagraphLength {
					continue
				}
				systemFingerprints = append(systemFingerprints, fingerprint{normalize(p), wordSet(p)})
			}
		case shielddata.RoleAssistant:
			for _, p := range splitParagraphs(m.Text()) {
				if len(p) < minParagraphLength {
					continue
				}
				turnFingerprints = append(turnFingerprints, fingerprint{normalize(p), wordSet(p)})
			}
		case shielddata.RoleUser:
			rewritten, newFingerprints := rewriteUserMessage(m.Text(), systemFingerprints, turnFingerprints)
			out[i] = replaceText(m, rewritten)
			turnFingerprints = append(turnFingerprints, newFingerprints...)
		}
	}

	compressedTokens := 0
	for _, m := range out {
		compressedTokens += estimate(m.Text(), modelID)
	}
	saved := originalTokens - compressedTokens
	if saved < cfg.MinSavingsTokens {
		return Result{Messages: messages, Applied: false}
	}
	return Result{Messages: out, Applied: true, SavedTokens: saved}
}

func rewriteUserMessage(text string, systemFPs, turnFPs []fingerprint) (string, []fingerprint) {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return text, nil
	}

	var kept []string
	var newFPs []fingerprint
	for _, p := range paragraphs {
		if quoted, ok := isBlockquote(p); ok {
			if matchesAny(quoted, systemFPs) || matchesAny(quoted, turnFPs) {
				kept = append(kept, "[Referring to previous response]")
				continue
			}
			kept = append(kept, p)
			continue
		}

		if len(p) < minParagraphLength {
			kept = append(kept, p)
			continue
		}

		words := wordSet(p)
		if best := bestSimilarity(words, systemFPs); best >= systemMatchThreshold {
			kept = append(kept, "[See system instructions above]")
			continue
		}
		if best := bestSimilarity(words, turnFPs); best >= systemMatchThreshold {
			continue // drop entirely, it restates a prior turn
		}

		kept = append(kept, p)
		newFPs = append(newFPs, fingerprint{normalize(p), words})
	}
	return strings.Join(kept, "\n\n"), newFPs
}

func matchesAny(text string, fps []fingerprint) bool {
	return bestSimilarity(wordSet(text), fps) >= systemMatchThreshold
}

func bestSimilarity(words map[string]bool, fps []fingerprint) float64 {
	best := 0.0
	for _, fp := range fps {
		if s := jaccard(words, fp.words); s > best {
			best = s
		}
	}
	return best
}

func replaceText(m shielddata.Message, text string) shielddata.Message {
	m.Content = []shielddata.ContentPart{{Type: "text", Text: text}}
	return m
}
