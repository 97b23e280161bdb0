// Package tokenizer estimates chat-completion token counts ahead of an
// actual model call: exact BPE counts for OpenAI-style models, fixed
// per-message and per-name overhead constants, a trailing
// assistant-priming constant, and a correction factor for model
// families whose tokenizers the BPE codec only approximates.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// Family selects which correction factor, if any, is applied on top of
// the BPE count produced by the o200k/cl100k-style encoder. OpenAI's
// own tokenizer is exact; every other family only shares a similar
// subword granularity, so its count is an estimate.
type Family int

const (
	FamilyOpenAI Family = iota
	FamilyAnthropic
	FamilySentencePiece
)

// correctionFactor is ~1.35 for Anthropic-style
// tokenizers (which tend to split more aggressively than BPE), ~1.12
// for SentencePiece-style ones (Llama, Mistral, Gemini).
func (f Family) correctionFactor() float64 {
	switch f {
	case FamilyAnthropic:
		return 1.35
	case FamilySentencePiece:
		return 1.12
	default:
		return 1.0
	}
}

const (
	tokensPerMessageDefault = 3
	tokensPerNameDefault    = 1
	assistantPrimingTokens  = 3
)

// Estimator counts tokens for chat-style requests. It is safe for
// concurrent use; the underlying BPE codec is loaded once and reused.
type Estimator struct {
	mu      sync.Mutex
	codecs  map[string]*tiktoken.Tiktoken
	fallback *tiktoken.Tiktoken
}

// New constructs an Estimator. The default encoder (cl100k_base) is
// loaded eagerly so a missing offline cache fails fast instead of on
// the first request; callers in fully offline environments should set
// the TIKTOKEN_CACHE_DIR environment variable as tiktoken-go documents.
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &Estimator{codecs: make(map[string]*tiktoken.Tiktoken), fallback: enc}, nil
}

func (e *Estimator) encoderFor(modelID string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.codecs[modelID]; ok && enc != nil {
		return enc
	}
	if enc, err := tiktoken.EncodingForModel(modelID); err == nil {
		e.codecs[modelID] = enc
		return enc
	}
	e.codecs[modelID] = nil
	return e.fallback
}

// FamilyForModel guesses the tokenizer family from the model id's
// prefix. This is deliberately simple; any unrecognized prefix is
// treated as FamilyOpenAI, with no correction factor.
func FamilyForModel(modelID string) Family {
	switch {
	case strings.HasPrefix(modelID, "claude-"):
		return FamilyAnthropic
	case strings.HasPrefix(modelID, "gemini-"),
		strings.HasPrefix(modelID, "llama-"),
		strings.HasPrefix(modelID, "mistral-"),
		strings.HasPrefix(modelID, "mixtral-"):
		return FamilySentencePiece
	default:
		return FamilyOpenAI
	}
}

// EstimateText returns the BPE token count of a single string for the
// given model, with no correction factor applied.
func (e *Estimator) EstimateText(text, modelID string) int {
	enc := e.encoderFor(modelID)
	return len(enc.Encode(text, nil, nil))
}

// EstimateMessages returns the total prompt-token estimate for a full
// list of chat messages: per-message structural overhead, per-name
// overhead, and the trailing assistant-priming constant, all scaled by
// modelID's tokenizer family correction factor. Tool schemas are not
// counted here; EstimateRequest adds them.
func (e *Estimator) EstimateMessages(messages []shielddata.Message, modelID string) int {
	enc := e.encoderFor(modelID)
	family := FamilyForModel(modelID)

	total := 0
	for _, msg := range messages {
		total += tokensPerMessageDefault
		total += len(enc.Encode(string(msg.Role), nil, nil))
		if msg.Name != "" {
			total += tokensPerNameDefault
			total += len(enc.Encode(msg.Name, nil, nil))
		}
		total += len(enc.Encode(msg.Text(), nil, nil))
	}
	total += assistantPrimingTokens

	if factor := family.correctionFactor(); factor != 1.0 {
		total = int(float64(total)*factor + 0.5)
	}
	return total
}

// EstimateRequest estimates the full prompt cost of a request,
// including tool schemas serialized as their name plus description
// text (the schema body itself is not tokenized exactly; its
// contribution is approximated the same way the context trimmer
// approximates tool overhead).
func (e *Estimator) EstimateRequest(req shielddata.RequestParams) int {
	total := e.EstimateMessages(req.Prompt, req.ModelID)
	enc := e.encoderFor(req.ModelID)
	factor := FamilyForModel(req.ModelID).correctionFactor()
	for _, tool := range req.Tools {
		n := len(enc.Encode(tool.Name+" "+tool.Description, nil, nil))
		if factor != 1.0 {
			n = int(float64(n)*factor + 0.5)
		}
		total += n
	}
	return total
}
