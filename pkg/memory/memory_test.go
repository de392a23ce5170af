package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniahq/tania/pkg/types/chat"
)

func newFallbackMemory() *Memory {
	// nil store forces the in-process fallback path.
	return New(nil, Options{MaxRecentMessages: 4})
}

func TestAddMessageFallbackElidesConsecutiveDuplicates(t *testing.T) {
	m := newFallbackMemory()
	ctx := context.Background()

	storage, err := m.AddMessage(ctx, "conv-1", chat.RoleUser, "hola", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, storage)

	// Same role+content immediately again: elided.
	_, err = m.AddMessage(ctx, "conv-1", chat.RoleUser, "hola", "c1", nil)
	require.NoError(t, err)

	messages, storage, err := m.GetMessages(ctx, "conv-1", GetMessagesOptions{})
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, storage)
	assert.Len(t, messages, 1)

	// Same content from the other side is a new message.
	_, err = m.AddMessage(ctx, "conv-1", chat.RoleAssistant, "hola", "", nil)
	require.NoError(t, err)
	messages, _, err = m.GetMessages(ctx, "conv-1", GetMessagesOptions{})
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestFallbackTailBounded(t *testing.T) {
	m := newFallbackMemory()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.AddMessage(ctx, "conv-1", chat.RoleUser, fmt.Sprintf("msg %d", i), "", nil)
		require.NoError(t, err)
	}

	// Tail is bounded at 2×maxRecent = 8.
	messages, _, err := m.GetMessages(ctx, "conv-1", GetMessagesOptions{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, messages, 8)
	assert.Equal(t, "msg 19", messages[len(messages)-1].Content)
}

func TestGetMessagesExcludesSystemByDefault(t *testing.T) {
	m := newFallbackMemory()
	ctx := context.Background()

	_, _ = m.AddMessage(ctx, "conv-1", chat.RoleSystem, "system prompt", "", nil)
	_, _ = m.AddMessage(ctx, "conv-1", chat.RoleUser, "hola", "", nil)

	messages, _, err := m.GetMessages(ctx, "conv-1", GetMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, chat.RoleUser, messages[0].Role)

	messages, _, err = m.GetMessages(ctx, "conv-1", GetMessagesOptions{IncludeSystem: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestClearMessagesFallback(t *testing.T) {
	m := newFallbackMemory()
	ctx := context.Background()

	_, _ = m.AddMessage(ctx, "conv-1", chat.RoleUser, "hola", "", nil)
	require.NoError(t, m.ClearMessages(ctx, "conv-1"))

	messages, _, err := m.GetMessages(ctx, "conv-1", GetMessagesOptions{})
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestGetContextForLLMRendersSections(t *testing.T) {
	m := newFallbackMemory()
	ctx := context.Background()

	_, _ = m.AddMessage(ctx, "conv-1", chat.RoleUser, "quiero una rosca", "c1", nil)
	_, _ = m.AddMessage(ctx, "conv-1", chat.RoleAssistant, "claro, tenemos rosca de reyes", "", nil)

	llmCtx, err := m.GetContextForLLM(ctx, "conv-1", ContextOptions{ContactID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, llmCtx.Storage)
	assert.Equal(t, 2, llmCtx.Stats.MessageCount)
	assert.Contains(t, llmCtx.ContextText, "Mensajes recientes:")
	assert.Contains(t, llmCtx.ContextText, "[user] quiero una rosca")
	assert.Contains(t, llmCtx.ContextText, "[assistant] claro, tenemos rosca de reyes")
	assert.NotContains(t, llmCtx.ContextText, "Datos del cliente:")
}

func TestRenderContextWithSummariesAndFacts(t *testing.T) {
	c := &Context{
		Messages: []Message{{Role: chat.RoleUser, Content: "hola"}},
		Summaries: []Summary{
			{SummaryText: "cliente pidió factura"},
			{SummaryText: "cliente preguntó por sucursales"},
		},
		Facts: []Fact{{FactKey: "sucursal_preferida", FactValue: "Centro"}},
	}

	text := renderContext(c)
	assert.Contains(t, text, "Resumen de conversaciones anteriores:")
	// Newest-first storage renders oldest-first.
	assert.Less(t,
		indexOf(text, "cliente preguntó por sucursales"),
		indexOf(text, "cliente pidió factura"))
	assert.Contains(t, text, "sucursal_preferida: Centro")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
