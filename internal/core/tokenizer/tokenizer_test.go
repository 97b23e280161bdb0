package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

func textMessage(role shielddata.Role, text string) shielddata.Message {
	return shielddata.Message{Role: role, Content: []shielddata.ContentPart{{Type: "text", Text: text}}}
}

func TestEstimateText_NonEmptyForNonEmptyInput(t *testing.T) {
	est, err := New()
	require.NoError(t, err)

	n := est.EstimateText("hello world", "gpt-4o")
	assert.Greater(t, n, 0)
}

func TestEstimateMessages_IncludesOverheadAndPriming(t *testing.T) {
	est, err := New()
	require.NoError(t, err)

	messages := []shielddata.Message{textMessage(shielddata.RoleUser, "hi")}
	total := est.EstimateMessages(messages, "gpt-4o")

	bare := est.EstimateText("hi", "gpt-4o") + est.EstimateText(string(shielddata.RoleUser), "gpt-4o")
	assert.Greater(t, total, bare, "message overhead plus assistant priming must add to the bare text count")
}

func TestEstimateMessages_NameAddsOverhead(t *testing.T) {
	est, err := New()
	require.NoError(t, err)

	withoutName := []shielddata.Message{textMessage(shielddata.RoleUser, "hi")}
	withName := []shielddata.Message{{Role: shielddata.RoleUser, Name: "alice", Content: withoutName[0].Content}}

	assert.Greater(t, est.EstimateMessages(withName, "gpt-4o"), est.EstimateMessages(withoutName, "gpt-4o"))
}

func TestFamilyForModel(t *testing.T) {
	assert.Equal(t, FamilyAnthropic, FamilyForModel("claude-3-5-sonnet"))
	assert.Equal(t, FamilySentencePiece, FamilyForModel("gemini-1.5-pro"))
	assert.Equal(t, FamilySentencePiece, FamilyForModel("llama-3-70b"))
	assert.Equal(t, FamilyOpenAI, FamilyForModel("gpt-4o-mini"))
}

func TestEstimateMessages_AnthropicCorrectionInflatesCount(t *testing.T) {
	est, err := New()
	require.NoError(t, err)

	messages := []shielddata.Message{textMessage(shielddata.RoleUser, "explain quantum entanglement in detail please")}
	openai := est.EstimateMessages(messages, "gpt-4o")
	anthropic := est.EstimateMessages(messages, "claude-3-5-sonnet")

	assert.Greater(t, anthropic, openai, "the anthropic correction factor must scale the raw BPE count upward")
}

func TestEstimateRequest_IncludesToolSchemas(t *testing.T) {
	est, err := New()
	require.NoError(t, err)

	base := shielddata.RequestParams{
		ModelID: "gpt-4o",
		Prompt:  []shielddata.Message{textMessage(shielddata.RoleUser, "what's the weather")},
	}
	withTool := base
	withTool.Tools = []shielddata.ToolSchema{{Name: "get_weather", Description: "fetches current weather for a location"}}

	assert.Greater(t, est.EstimateRequest(withTool), est.EstimateRequest(base))
}
