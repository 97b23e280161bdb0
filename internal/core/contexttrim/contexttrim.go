// Package contexttrim fits a conversation into a token budget by
// dropping the oldest non-pinned messages, the way a model manager
// walks an ordered candidate list and mutates a running
// budget rather than rewriting content. System messages and the last
// user message are always pinned; no summary is ever inserted in
// place of a dropped message.
package contexttrim

import (
	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// MessagesEstimator matches tokenizer.Estimator.EstimateMessages
// without importing the tokenizer package.
type MessagesEstimator func(messages []shielddata.Message, modelID string) int

// ToolsEstimator approximates the token overhead of a request's tool
// schemas. Invalid/unparseable tool entries must be tolerated by the
// caller's implementation (skipped, not erroring).
type ToolsEstimator func(tools []shielddata.ToolSchema, modelID string) int

// Config bounds the trim.
type Config struct {
	MaxInputTokens   int
	ReserveForOutput int
}

// Result carries the trimmed message list and accounting.
type Result struct {
	Messages     []shielddata.Message
	Trimmed      bool
	DroppedCount int
}

// Trim walks messages oldest to newest, dropping the oldest
// non-pinned message until the remainder (plus tool-schema overhead)
// fits within maxInputTokens - reserveForOutput.
func Trim(cfg Config, messages []shielddata.Message, tools []shielddata.ToolSchema, modelID string, estimateMessages MessagesEstimator, estimateTools ToolsEstimator) Result {
	budget := cfg.MaxInputTokens - cfg.ReserveForOutput
	if budget <= 0 {
		budget = 0
	}

	toolOverhead := 0
	if estimateTools != nil {
		toolOverhead = estimateTools(tools, modelID)
	}
	remaining := budget - toolOverhead
	if remaining < 0 {
		remaining = 0
	}

	working := make([]shielddata.Message, len(messages))
	copy(working, messages)

	if estimateMessages(working, modelID) <= remaining {
		return Result{Messages: messages, Trimmed: false}
	}

	lastUserIdx := lastUserIndex(working)
	dropped := 0

	for estimateMessages(working, modelID) > remaining {
		idx := oldestDroppableIndex(working, lastUserIdx)
		if idx < 0 {
			break // nothing left to drop, every remaining message is pinned
		}
		working = append(working[:idx], working[idx+1:]...)
		if lastUserIdx > idx {
			lastUserIdx--
		}
		dropped++
	}

	return Result{Messages: working, Trimmed: dropped > 0, DroppedCount: dropped}
}

func lastUserIndex(messages []shielddata.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == shielddata.RoleUser {
			return i
		}
	}
	return -1
}

func oldestDroppableIndex(messages []shielddata.Message, lastUserIdx int) int {
	for i, m := range messages {
		if m.Role == shielddata.RoleSystem {
			continue
		}
		if i == lastUserIdx {
			continue
		}
		return i
	}
	return -1
}
