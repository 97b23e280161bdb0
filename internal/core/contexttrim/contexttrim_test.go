package contexttrim

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

func estimateMessages(messages []shielddata.Message, modelID string) int {
	total := 0
	for _, m := range messages {
		total += len(strings.Fields(m.Text()))
	}
	return total
}

func estimateTools(tools []shielddata.ToolSchema, modelID string) int {
	total := 0
	for _, tool := range tools {
		total += len(strings.Fields(tool.Name)) + len(strings.Fields(tool.Description))
	}
	return total
}

func msg(role shielddata.Role, text string) shielddata.Message {
	return shielddata.Message{Role: role, Content: []shielddata.ContentPart{{Type: "text", Text: text}}}
}

func TestTrim_NoOpWhenUnderBudget(t *testing.T) {
	messages := []shielddata.Message{
		msg(shielddata.RoleSystem, "you are a helpful assistant"),
		msg(shielddata.RoleUser, "hello there"),
	}
	res := Trim(Config{MaxInputTokens: 100, ReserveForOutput: 10}, messages, nil, "gpt-4o", estimateMessages, estimateTools)
	assert.False(t, res.Trimmed)
	assert.Equal(t, messages, res.Messages)
}

func TestTrim_DropsOldestNonPinnedMessageFirst(t *testing.T) {
	messages := []shielddata.Message{
		msg(shielddata.RoleSystem, "system prompt here"),
		msg(shielddata.RoleUser, "one two three four five"),
		msg(shielddata.RoleAssistant, "six seven eight nine ten"),
		msg(shielddata.RoleUser, "eleven twelve thirteen"),
	}
	res := Trim(Config{MaxInputTokens: 13, ReserveForOutput: 0}, messages, nil, "gpt-4o", estimateMessages, estimateTools)
	assert.True(t, res.Trimmed)
	assert.Equal(t, 1, res.DroppedCount)
	assert.NotContains(t, res.Messages, messages[1])
}

func TestTrim_AlwaysPinsSystemAndLastUserMessage(t *testing.T) {
	messages := []shielddata.Message{
		msg(shielddata.RoleSystem, "this is a fairly long system prompt with many words in it"),
		msg(shielddata.RoleUser, "first user turn with quite a lot of words attached to it"),
		msg(shielddata.RoleAssistant, "assistant reply with quite a lot of words attached to it"),
		msg(shielddata.RoleUser, "final user turn"),
	}
	res := Trim(Config{MaxInputTokens: 5, ReserveForOutput: 0}, messages, nil, "gpt-4o", estimateMessages, estimateTools)
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, shielddata.RoleUser, last.Role)
	assert.Equal(t, "final user turn", last.Text())
	assert.Equal(t, shielddata.RoleSystem, res.Messages[0].Role)
}

func TestTrim_SubtractsToolSchemaOverheadFirst(t *testing.T) {
	messages := []shielddata.Message{
		msg(shielddata.RoleSystem, "sys prompt"),
		msg(shielddata.RoleAssistant, "six seven eight nine ten"),
		msg(shielddata.RoleUser, "final reply done"),
	}
	tools := []shielddata.ToolSchema{
		{Name: "search", Description: "look things up now"},
	}
	withTools := Trim(Config{MaxInputTokens: 10, ReserveForOutput: 0}, messages, tools, "gpt-4o", estimateMessages, estimateTools)
	withoutTools := Trim(Config{MaxInputTokens: 10, ReserveForOutput: 0}, messages, nil, "gpt-4o", estimateMessages, estimateTools)
	assert.True(t, withTools.Trimmed)
	assert.False(t, withoutTools.Trimmed)
}

func TestTrim_StopsDroppingWhenOnlyPinnedMessagesRemain(t *testing.T) {
	messages := []shielddata.Message{
		msg(shielddata.RoleSystem, "a very long system prompt that cannot ever be dropped no matter what"),
		msg(shielddata.RoleUser, "final user turn that is also fairly long and cannot be dropped either"),
	}
	res := Trim(Config{MaxInputTokens: 1, ReserveForOutput: 0}, messages, nil, "gpt-4o", estimateMessages, estimateTools)
	assert.Equal(t, 0, res.DroppedCount)
	assert.Len(t, res.Messages, 2)
}
