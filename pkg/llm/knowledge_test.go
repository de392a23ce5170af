package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetModelConfigPrecedence(t *testing.T) {
	r := NewRegistry("gpt-4o", "gpt-4o-mini", nil)

	// Static default before any sheet routing arrives.
	cfg := r.GetModelConfig("analyze")
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, "default", cfg.Source)

	// Sheet routing wins over the default.
	r.UpdateRouting(map[string]ModelConfig{
		"analyze": {Task: "analyze", Model: "gpt-4.1-mini", Source: "sheet"},
	})
	cfg = r.GetModelConfig("analyze")
	assert.Equal(t, "gpt-4.1-mini", cfg.Model)
	assert.Equal(t, "sheet", cfg.Source)

	// Unknown task falls back to the reply default.
	cfg = r.GetModelConfig("nonexistent")
	assert.Equal(t, "gpt-4o", cfg.Model)
}

func TestReasoningFamilyOverrides(t *testing.T) {
	r := NewRegistry("gpt-4o", "gpt-4o-mini", nil)

	for _, model := range []string{"o1", "o3-mini", "o4-mini", "gpt-5", "gpt-5-turbo"} {
		assert.False(t, r.SupportsCustomTemperature(model), model)
		assert.True(t, r.RequiresMaxCompletionTokens(model), model)
	}

	assert.True(t, r.SupportsCustomTemperature("gpt-4o"))
	assert.False(t, r.RequiresMaxCompletionTokens("gpt-4o"))

	// Prefix matching requires a dash boundary: gpt-50 is not the gpt-5 family.
	assert.True(t, r.SupportsCustomTemperature("gpt-50"))
}

func TestLearnFromError(t *testing.T) {
	r := NewRegistry("gpt-4o", "gpt-4o-mini", nil)
	ctx := context.Background()

	learned := r.LearnFromError(ctx, "gpt-4o", "Unsupported value: 'temperature' does not support 0.3 with this model.")
	assert.True(t, learned)
	assert.False(t, r.SupportsCustomTemperature("gpt-4o"))

	// Already known: nothing new to learn, caller should not retry.
	learned = r.LearnFromError(ctx, "gpt-4o", "Unsupported value: 'temperature' does not support 0.3 with this model.")
	assert.False(t, learned)

	learned = r.LearnFromError(ctx, "gpt-4o", "Unsupported parameter: 'max_tokens' is not supported with this model. Use 'max_completion_tokens' instead.")
	assert.True(t, learned)
	assert.True(t, r.RequiresMaxCompletionTokens("gpt-4o"))

	// Unrelated errors are not capability findings.
	learned = r.LearnFromError(ctx, "gpt-4o", "rate limit exceeded")
	assert.False(t, learned)
}

func TestLearnedCapabilityNotSilentlyRepromoted(t *testing.T) {
	r := NewRegistry("gpt-4o", "gpt-4o-mini", nil)
	ctx := context.Background()

	require.True(t, r.LearnFromError(ctx, "gpt-4o", "Unsupported parameter: 'response_format' is not supported"))
	assert.False(t, r.SupportsJSONMode("gpt-4o"))

	// A success does not flip it back; only an explicit probe may.
	assert.False(t, r.SupportsJSONMode("gpt-4o"))

	trueVal, falseVal := true, false
	r.SetCapabilities(ctx, "gpt-4o", Capabilities{
		SupportsCustomTemperature:   &trueVal,
		RequiresMaxCompletionTokens: &falseVal,
		SupportsJSONMode:            &trueVal,
	})
	assert.True(t, r.SupportsJSONMode("gpt-4o"))
}

type memoryKnowledgeStore struct {
	saved []ModelKnowledge
}

func (s *memoryKnowledgeStore) LoadAll(ctx context.Context) ([]ModelKnowledge, error) {
	return s.saved, nil
}

func (s *memoryKnowledgeStore) Save(ctx context.Context, k ModelKnowledge) error {
	s.saved = append(s.saved, k)
	return nil
}

func TestKnowledgePersistedAndHydrated(t *testing.T) {
	store := &memoryKnowledgeStore{}
	r := NewRegistry("gpt-4o", "gpt-4o-mini", store)
	ctx := context.Background()

	require.True(t, r.LearnFromError(ctx, "gpt-4o", "Unsupported value: 'temperature'"))
	require.Len(t, store.saved, 1)
	assert.Equal(t, "gpt-4o", store.saved[0].Model)

	fresh := NewRegistry("gpt-4o", "gpt-4o-mini", store)
	require.NoError(t, fresh.LoadKnowledge(ctx))
	assert.False(t, fresh.SupportsCustomTemperature("gpt-4o"))
}
