package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageTokens(t *testing.T) {
	t.Run("openai keys", func(t *testing.T) {
		info := map[string]any{"PromptTokens": 120, "CompletionTokens": 45}
		assert.Equal(t, 120, usageTokens(info, "InputTokens", "PromptTokens"))
		assert.Equal(t, 45, usageTokens(info, "OutputTokens", "CompletionTokens"))
	})

	t.Run("anthropic keys", func(t *testing.T) {
		info := map[string]any{"InputTokens": 300, "OutputTokens": 80}
		assert.Equal(t, 300, usageTokens(info, "InputTokens", "PromptTokens"))
		assert.Equal(t, 80, usageTokens(info, "OutputTokens", "CompletionTokens"))
	})

	t.Run("missing usage yields zero", func(t *testing.T) {
		assert.Zero(t, usageTokens(map[string]any{}, "InputTokens", "PromptTokens"))
		assert.Zero(t, usageTokens(map[string]any{"InputTokens": "nope"}, "InputTokens"))
	})
}
