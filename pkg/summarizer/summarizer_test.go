package summarizer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/memory"
	"github.com/taniahq/tania/pkg/types/chat"
)

type fakeStore struct {
	candidates []memory.ConversationCandidate
	messages   map[string][]memory.Message

	savedSummaries []memory.Summary
	savedIDs       [][]int64
	savedFacts     []memory.Fact
	retentionRuns  int
}

func (f *fakeStore) FindConversationsToSummarize(_ context.Context, _ time.Duration, _, _ int, _ bool) ([]memory.ConversationCandidate, error) {
	return f.candidates, nil
}

func (f *fakeStore) GetMessagesForSummary(_ context.Context, conversationID string, _ time.Duration, _ int, _ bool) ([]memory.Message, error) {
	return f.messages[conversationID], nil
}

func (f *fakeStore) SaveSummary(_ context.Context, summary memory.Summary, messageIDs []int64) (string, error) {
	f.savedSummaries = append(f.savedSummaries, summary)
	f.savedIDs = append(f.savedIDs, messageIDs)
	return "summary-1", nil
}

func (f *fakeStore) SaveFact(_ context.Context, fact memory.Fact) error {
	f.savedFacts = append(f.savedFacts, fact)
	return nil
}

func (f *fakeStore) DeleteSummarizedOlderThan(_ context.Context, _ time.Duration) (int64, error) {
	f.retentionRuns++
	return 3, nil
}

func (f *fakeStore) DeleteExpiredSummaries(_ context.Context) (int64, error) {
	return 1, nil
}

type fakeCompleter struct {
	output any
	err    error
	calls  int
}

func (f *fakeCompleter) CompleteStructured(_ context.Context, _, _ string, _ []openai.ChatCompletionMessage, out any) (*llm.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	raw, _ := json.Marshal(f.output)
	return &llm.Completion{Calls: 1}, json.Unmarshal(raw, out)
}

type fakeCleaner struct{ deleted int64 }

func (f *fakeCleaner) CleanupExpired(_ context.Context) (int64, error) {
	f.deleted = 7
	return 7, nil
}

func conversationOf(n int, contactID string) []memory.Message {
	base := time.Now().Add(-2 * time.Hour)
	messages := make([]memory.Message, n)
	for i := range messages {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		messages[i] = memory.Message{
			ID:        int64(i + 1),
			Role:      role,
			Content:   "mensaje",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if contactID != "" {
			id := contactID
			messages[i].ContactID = &id
		}
	}
	return messages
}

func TestRunCycleSummarizesAndExtractsFacts(t *testing.T) {
	store := &fakeStore{
		candidates: []memory.ConversationCandidate{{ConversationID: "conv-1", MessageCount: 12}},
		messages:   map[string][]memory.Message{"conv-1": conversationOf(12, "contact-9")},
	}
	completer := &fakeCompleter{output: llm.ConversationSummary{
		Summary:          "cliente pidió rosca y preguntó por facturación",
		PrimaryIntent:    "order",
		ResolutionStatus: "resolved",
		Sentiment:        "positive",
		ExtractedFacts: []llm.ExtractedFact{
			{FactType: "preference", FactKey: "producto_favorito", FactValue: "rosca de reyes", Confidence: 0.9},
			{FactType: "preference", FactKey: "dudoso", FactValue: "algo", Confidence: 0.2},
		},
	}}
	cleaner := &fakeCleaner{}

	s := New(store, completer, cleaner, Options{ExtractFacts: true, MinMessagesForSummary: 10})
	stats, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Candidates)
	assert.Equal(t, 1, stats.Summarized)
	assert.Equal(t, 1, stats.FactsSaved)

	require.Len(t, store.savedSummaries, 1)
	summary := store.savedSummaries[0]
	assert.Equal(t, "cliente pidió rosca y preguntó por facturación", summary.SummaryText)
	assert.Equal(t, 12, summary.MessageCount)
	require.NotNil(t, summary.ContactID)
	assert.Equal(t, "contact-9", *summary.ContactID)
	require.NotNil(t, summary.ExpiresAt)
	assert.Equal(t, "order", summary.Metadata["primary_intent"])

	// All twelve message IDs were marked in the same transaction.
	require.Len(t, store.savedIDs, 1)
	assert.Len(t, store.savedIDs[0], 12)

	// Only the fact above the confidence floor survived.
	require.Len(t, store.savedFacts, 1)
	assert.Equal(t, "producto_favorito", store.savedFacts[0].FactKey)
	assert.Equal(t, "contact-9", store.savedFacts[0].ContactID)

	// Retention swept all three stores.
	assert.Equal(t, 1, store.retentionRuns)
	assert.Equal(t, int64(3), stats.MessagesDeleted)
	assert.Equal(t, int64(1), stats.SummariesDeleted)
	assert.Equal(t, int64(7), stats.VectorsDeleted)
}

func TestRunCycleSkipsShrunkenCandidates(t *testing.T) {
	// The scan saw enough messages but another cycle claimed them before the
	// fetch; no summary and no LLM call for the remainder.
	store := &fakeStore{
		candidates: []memory.ConversationCandidate{{ConversationID: "conv-1"}},
		messages:   map[string][]memory.Message{"conv-1": conversationOf(3, "")},
	}
	completer := &fakeCompleter{output: llm.ConversationSummary{Summary: "x"}}

	s := New(store, completer, nil, Options{MinMessagesForSummary: 10})
	stats, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Summarized)
	assert.Zero(t, completer.calls)
	assert.Empty(t, store.savedSummaries)
}

func TestRunCycleContinuesAfterLLMFailure(t *testing.T) {
	store := &fakeStore{
		candidates: []memory.ConversationCandidate{{ConversationID: "conv-1"}},
		messages:   map[string][]memory.Message{"conv-1": conversationOf(12, "")},
	}
	completer := &fakeCompleter{err: assert.AnError}

	s := New(store, completer, nil, Options{MinMessagesForSummary: 10})
	stats, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Summarized)
	// Retention still ran despite the failed summary.
	assert.Equal(t, 1, store.retentionRuns)
}

func TestRunCycleDropsEmptySummaries(t *testing.T) {
	store := &fakeStore{
		candidates: []memory.ConversationCandidate{{ConversationID: "conv-1"}},
		messages:   map[string][]memory.Message{"conv-1": conversationOf(12, "")},
	}
	completer := &fakeCompleter{output: llm.ConversationSummary{Summary: "   "}}

	s := New(store, completer, nil, Options{MinMessagesForSummary: 10})
	stats, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Summarized)
	assert.Empty(t, store.savedSummaries)
}

func TestNoFactsWithoutContact(t *testing.T) {
	store := &fakeStore{
		candidates: []memory.ConversationCandidate{{ConversationID: "conv-1"}},
		messages:   map[string][]memory.Message{"conv-1": conversationOf(12, "")},
	}
	completer := &fakeCompleter{output: llm.ConversationSummary{
		Summary:        "resumen",
		ExtractedFacts: []llm.ExtractedFact{{FactType: "preference", FactKey: "k", FactValue: "v", Confidence: 0.9}},
	}}

	s := New(store, completer, nil, Options{ExtractFacts: true, MinMessagesForSummary: 10})
	stats, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Summarized)
	assert.Empty(t, store.savedFacts)
}

func TestRenderTranscript(t *testing.T) {
	messages := []memory.Message{
		{Role: chat.RoleUser, Content: "hola"},
		{Role: chat.RoleAssistant, Content: "buen día"},
	}
	assert.Equal(t, "[user] hola\n[assistant] buen día", renderTranscript(messages))
}
