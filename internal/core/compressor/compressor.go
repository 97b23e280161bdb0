// Package compressor is a lexical prompt compressor: a pure text
// rewrite, never a model call, that contracts verbose phrasing,
// strips filler words, dedupes repeated sentences and abbreviates
// repeated proper-noun entities, while preserving code blocks, inline
// code, URLs, and caller-defined patterns behind placeholders. Built
// as a sequence of small, orthogonal regexp-driven passes.
package compressor

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

type Config struct {
	MinSavingsTokens int
	PreservePatterns []*regexp.Regexp
}

func DefaultConfig() Config {
	return Config{MinSavingsTokens: 5}
}

var codeBlockRe = regexp.MustCompile("(?s)```.*?```")
var inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
var urlRe = regexp.MustCompile(`https?://\S+`)

// contractions is applied case-insensitively, in list order; no phrase
// in the list contains another, so the order does not change the result.
var contractions = [][2]string{
	{"due to the fact that", "because"},
	{"in order to", "to"},
	{"for the purpose of", "for"},
	{"in the event that", "if"},
	{"at this point in time", "now"},
	{"in spite of the fact that", "although"},
	{"with regard to", "regarding"},
	{"a large number of", "many"},
	{"in the near future", "soon"},
	{"on the grounds that", "because"},
	{"is able to", "can"},
	{"are able to", "can"},
}

var fillerWords = map[string]bool{
	"basically": true, "actually": true, "literally": true, "just": true,
	"really": true, "very": true, "quite": true, "simply": true,
	"kind of": true, "sort of": true,
}

// Estimator matches tokenizer.Estimator's EstimateText signature
// without importing it, so compressor has no dependency on how tokens
// are actually counted.
type Estimator func(text, modelID string) int

// Result carries the rewrite outcome plus the accounting the pipeline
// sidecar needs.
type Result struct {
	Text        string
	Applied     bool
	SavedTokens int
}

// Compress applies the ordered rewrite to text. If the result falls
// below the abort floor or under minSavingsTokens, the original text
// is returned unchanged with Applied=false.
func Compress(cfg Config, text, modelID string, estimate Estimator) Result {
	originalTokens := estimate(text, modelID)

	placeholders := map[string]string{}
	working := extractPlaceholders(text, placeholders, cfg.PreservePatterns)

	working = collapseWhitespace(working)
	working = applyContractions(working)
	working = stripFillers(working)
	working = dedupeAdjacentSentences(working)
	working = abbreviateRepeatedEntities(working)

	working = restorePlaceholders(working, placeholders)

	compressedTokens := estimate(working, modelID)
	floor := floorFor(originalTokens)
	if compressedTokens < floor {
		return Result{Text: text, Applied: false}
	}

	saved := originalTokens - compressedTokens
	if saved < cfg.MinSavingsTokens {
		return Result{Text: text, Applied: false}
	}
	return Result{Text: working, Applied: true, SavedTokens: saved}
}

func floorFor(originalTokens int) int {
	if originalTokens < 50 {
		return int(0.3 * float64(originalTokens))
	}
	return int(0.6 * float64(originalTokens))
}

func extractPlaceholders(text string, placeholders map[string]string, extra []*regexp.Regexp) string {
	idx := 0
	replace := func(re *regexp.Regexp, s string) string {
		return re.ReplaceAllStringFunc(s, func(match string) string {
			// The trailing "_" keeps "PH1_" from matching inside "PH10_" on restore.
			key := "PH" + strconv.Itoa(idx) + "_"
			idx++
			placeholders[key] = match
			return key
		})
	}
	text = replace(codeBlockRe, text)
	text = replace(inlineCodeRe, text)
	text = replace(urlRe, text)
	for _, re := range extra {
		text = replace(re, text)
	}
	return text
}

func restorePlaceholders(text string, placeholders map[string]string) string {
	for key, original := range placeholders {
		text = strings.ReplaceAll(text, key, original)
	}
	return text
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func applyContractions(s string) string {
	for _, pair := range contractions {
		re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(pair[0]))
		s = re.ReplaceAllString(s, pair[1])
	}
	return s
}

func stripFillers(s string) string {
	words := strings.Split(s, " ")
	out := make([]string, 0, len(words))
	for i, w := range words {
		lower := strings.ToLower(strings.Trim(w, ".,;:!?"))
		if i > 0 && fillerWords[lower] {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

var sentenceSplitRe = regexp.MustCompile(`(?:[.!?]+\s+|\n+)`)

func normalizeSentence(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func dedupeAdjacentSentences(s string) string {
	sentences := sentenceSplitRe.Split(s, -1)
	out := make([]string, 0, len(sentences))
	var lastNormalized string
	for _, sent := range sentences {
		if sent == "" {
			continue
		}
		n := normalizeSentence(sent)
		if n == lastNormalized && n != "" {
			continue
		}
		out = append(out, sent)
		lastNormalized = n
	}
	return strings.Join(out, ". ")
}

var properNounRunRe = regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)+)\b`)

// abbreviateRepeatedEntities replaces the 2nd-and-later occurrence of
// a repeated multi-word proper-noun entity (seen >= 3 times) with an
// initialism, rewriting the first occurrence to "Entity (ABBR)" form.
func abbreviateRepeatedEntities(s string) string {
	counts := map[string]int{}
	for _, m := range properNounRunRe.FindAllString(s, -1) {
		counts[m]++
	}

	abbrevFor := func(entity string) string {
		words := strings.Fields(entity)
		var b strings.Builder
		for _, w := range words {
			b.WriteByte(w[0])
		}
		return b.String()
	}

	seen := map[string]int{}
	return properNounRunRe.ReplaceAllStringFunc(s, func(entity string) string {
		if counts[entity] < 3 {
			return entity
		}
		seen[entity]++
		abbr := abbrevFor(entity)
		if seen[entity] == 1 {
			return entity + " (" + abbr + ")"
		}
		return abbr
	})
}
