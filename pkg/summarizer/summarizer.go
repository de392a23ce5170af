// Package summarizer compresses aged conversation spans into summaries and
// long-term facts on a fixed cycle, and sweeps retention horizons while it is
// at it.
package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/memory"
)

// completer is the slice of the LLM client the scheduler needs.
type completer interface {
	CompleteStructured(ctx context.Context, task, schemaKey string, messages []openai.ChatCompletionMessage, out any) (*llm.Completion, error)
}

// memoryStore is the slice of the memory store the scheduler needs.
type memoryStore interface {
	FindConversationsToSummarize(ctx context.Context, olderThan time.Duration, minMessages, limit int, includeSystem bool) ([]memory.ConversationCandidate, error)
	GetMessagesForSummary(ctx context.Context, conversationID string, olderThan time.Duration, limit int, includeSystem bool) ([]memory.Message, error)
	SaveSummary(ctx context.Context, summary memory.Summary, messageIDs []int64) (string, error)
	SaveFact(ctx context.Context, fact memory.Fact) error
	DeleteSummarizedOlderThan(ctx context.Context, retention time.Duration) (int64, error)
	DeleteExpiredSummaries(ctx context.Context) (int64, error)
}

// expiryCleaner sweeps expired vector rows alongside the memory retention.
type expiryCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Options tune the summarization cycle.
type Options struct {
	CycleInterval            time.Duration
	SummarizeAfter           time.Duration
	MinMessagesForSummary    int
	MaxConversationsPerCycle int
	MaxMessagesPerSummary    int
	IncludeSystemMessages    bool
	ExtractFacts             bool
	MinFactConfidence        float64
	SummaryTTL               time.Duration
	MessageRetention         time.Duration
}

func (o Options) withDefaults() Options {
	if o.CycleInterval <= 0 {
		o.CycleInterval = 30 * time.Minute
	}
	if o.SummarizeAfter <= 0 {
		o.SummarizeAfter = time.Hour
	}
	if o.MinMessagesForSummary <= 0 {
		o.MinMessagesForSummary = 10
	}
	if o.MaxConversationsPerCycle <= 0 {
		o.MaxConversationsPerCycle = 5
	}
	if o.MaxMessagesPerSummary <= 0 {
		o.MaxMessagesPerSummary = 50
	}
	if o.MinFactConfidence <= 0 {
		o.MinFactConfidence = 0.5
	}
	if o.SummaryTTL <= 0 {
		o.SummaryTTL = 30 * 24 * time.Hour
	}
	if o.MessageRetention <= 0 {
		o.MessageRetention = 90 * 24 * time.Hour
	}
	return o
}

// CycleStats reports what one cycle accomplished.
type CycleStats struct {
	Candidates       int
	Summarized       int
	FactsSaved       int
	MessagesDeleted  int64
	SummariesDeleted int64
	VectorsDeleted   int64
}

// Scheduler runs the summarization and retention cycle.
type Scheduler struct {
	store   memoryStore
	llm     completer
	cleaner expiryCleaner
	opts    Options
}

// New creates a scheduler. The cleaner may be nil when no vector store is
// configured.
func New(store memoryStore, llmClient completer, cleaner expiryCleaner, opts Options) *Scheduler {
	return &Scheduler{store: store, llm: llmClient, cleaner: cleaner, opts: opts.withDefaults()}
}

// Run executes cycles on the configured interval until the context ends. Cycle
// errors are logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := s.RunCycle(ctx)
			if err != nil {
				logger.G(ctx).WithError(err).Error("summarization cycle failed")
				continue
			}
			logger.G(ctx).WithFields(map[string]any{
				"candidates":  stats.Candidates,
				"summarized":  stats.Summarized,
				"facts_saved": stats.FactsSaved,
			}).Info("summarization cycle complete")
		}
	}
}

// RunCycle summarizes eligible conversations once and sweeps retention.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	candidates, err := s.store.FindConversationsToSummarize(ctx,
		s.opts.SummarizeAfter, s.opts.MinMessagesForSummary,
		s.opts.MaxConversationsPerCycle, s.opts.IncludeSystemMessages)
	if err != nil {
		return stats, err
	}
	stats.Candidates = len(candidates)

	for _, c := range candidates {
		facts, err := s.summarizeConversation(ctx, c.ConversationID)
		if err != nil {
			logger.G(ctx).WithError(err).
				WithField("conversation_id", c.ConversationID).
				Warn("failed to summarize conversation")
			continue
		}
		stats.Summarized++
		stats.FactsSaved += facts
	}

	s.sweepRetention(ctx, &stats)
	return stats, nil
}

func (s *Scheduler) summarizeConversation(ctx context.Context, conversationID string) (int, error) {
	messages, err := s.store.GetMessagesForSummary(ctx, conversationID,
		s.opts.SummarizeAfter, s.opts.MaxMessagesPerSummary, s.opts.IncludeSystemMessages)
	if err != nil {
		return 0, err
	}
	if len(messages) < s.opts.MinMessagesForSummary {
		// Another cycle claimed the span between the scan and the fetch.
		return 0, nil
	}

	transcript := renderTranscript(messages)
	var out llm.ConversationSummary
	if _, err := s.llm.CompleteStructured(ctx, "summarize", "conversation_summary",
		summaryPrompt(transcript), &out); err != nil {
		return 0, err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return 0, errors.Errorf("summarizer returned empty summary for %s", conversationID)
	}

	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	expires := time.Now().Add(s.opts.SummaryTTL)
	summary := memory.Summary{
		ConversationID:  conversationID,
		ContactID:       firstContactID(messages),
		SummaryText:     out.Summary,
		MessagesStartAt: messages[0].Timestamp,
		MessagesEndAt:   messages[len(messages)-1].Timestamp,
		MessageCount:    len(messages),
		EstimatedTokens: len(transcript) / 4,
		ExpiresAt:       &expires,
		Metadata: map[string]any{
			"primary_intent":     out.PrimaryIntent,
			"resolution_status":  out.ResolutionStatus,
			"sentiment":          out.Sentiment,
			"products_mentioned": out.ProductsMentioned,
		},
	}
	if _, err := s.store.SaveSummary(ctx, summary, ids); err != nil {
		return 0, err
	}

	if !s.opts.ExtractFacts || summary.ContactID == nil {
		return 0, nil
	}
	saved := 0
	for _, f := range out.ExtractedFacts {
		if f.Confidence < s.opts.MinFactConfidence || f.FactKey == "" || f.FactValue == "" {
			continue
		}
		fact := memory.Fact{
			ContactID:            *summary.ContactID,
			SourceConversationID: conversationID,
			FactType:             f.FactType,
			FactKey:              f.FactKey,
			FactValue:            f.FactValue,
			Confidence:           f.Confidence,
		}
		if err := s.store.SaveFact(ctx, fact); err != nil {
			logger.G(ctx).WithError(err).WithField("fact_key", f.FactKey).Warn("failed to save fact")
			continue
		}
		saved++
	}
	return saved, nil
}

func (s *Scheduler) sweepRetention(ctx context.Context, stats *CycleStats) {
	var err error
	if stats.MessagesDeleted, err = s.store.DeleteSummarizedOlderThan(ctx, s.opts.MessageRetention); err != nil {
		logger.G(ctx).WithError(err).Warn("retention sweep failed for messages")
	}
	if stats.SummariesDeleted, err = s.store.DeleteExpiredSummaries(ctx); err != nil {
		logger.G(ctx).WithError(err).Warn("retention sweep failed for summaries")
	}
	if s.cleaner != nil {
		if stats.VectorsDeleted, err = s.cleaner.CleanupExpired(ctx); err != nil {
			logger.G(ctx).WithError(err).Warn("retention sweep failed for vector rows")
		}
	}
}

const summarySystemPrompt = `Eres el sistema de memoria de una cadena de cafeterías y panaderías.
Resume la conversación en español, en tercera persona y en menos de 150 palabras.
Extrae datos duraderos del cliente (preferencias, sucursal habitual, alergias, datos de facturación)
solo cuando el cliente los afirmó explícitamente.`

func summaryPrompt(transcript string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: transcript},
	}
}

func renderTranscript(messages []memory.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	return strings.TrimSpace(b.String())
}

func firstContactID(messages []memory.Message) *string {
	for _, m := range messages {
		if m.ContactID != nil && *m.ContactID != "" {
			return m.ContactID
		}
	}
	return nil
}
