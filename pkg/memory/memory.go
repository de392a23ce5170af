package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/types/chat"
)

// Options configure the memory facade.
type Options struct {
	MaxRecentMessages       int
	MaxSummaries            int
	FactSimilarityThreshold float64
	FactLimit               int
}

func (o Options) withDefaults() Options {
	if o.MaxRecentMessages <= 0 {
		o.MaxRecentMessages = 10
	}
	if o.MaxSummaries <= 0 {
		o.MaxSummaries = 3
	}
	if o.FactSimilarityThreshold <= 0 {
		o.FactSimilarityThreshold = 0.70
	}
	if o.FactLimit <= 0 {
		o.FactLimit = 5
	}
	return o
}

// Memory is the conversation-memory facade the pipelines consume. It prefers
// the database store and degrades to the in-process fallback when it fails.
type Memory struct {
	store    *Store
	fallback *fallbackStore
	opts     Options
}

// New creates the memory facade. A nil store forces the in-process fallback
// for every operation.
func New(store *Store, opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		store:    store,
		fallback: newFallbackStore(opts.MaxRecentMessages),
		opts:     opts,
	}
}

// AddMessage appends an utterance, returning the durability class the write
// landed on. Consecutive duplicates on (role, content) are elided.
func (m *Memory) AddMessage(ctx context.Context, conversationID string, role chat.Role, content string, contactID string, metadata map[string]any) (Storage, error) {
	if m.store != nil {
		if err := m.store.AddMessage(ctx, conversationID, role, content, contactID, metadata); err == nil {
			return StorageDatabase, nil
		} else {
			logger.G(ctx).WithError(err).Warn("memory store unavailable, using in-process fallback")
		}
	}
	m.fallback.addMessage(conversationID, role, content, contactID, metadata)
	return StorageMemory, nil
}

// GetMessages returns the recent unsummarized tail in chronological order.
func (m *Memory) GetMessages(ctx context.Context, conversationID string, opts GetMessagesOptions) ([]Message, Storage, error) {
	if opts.Limit <= 0 {
		opts.Limit = m.opts.MaxRecentMessages
	}
	if m.store != nil {
		messages, err := m.store.GetMessages(ctx, conversationID, opts)
		if err == nil {
			return messages, StorageDatabase, nil
		}
		logger.G(ctx).WithError(err).Warn("memory store unavailable, reading fallback tail")
	}
	return m.fallback.getMessages(conversationID, opts), StorageMemory, nil
}

// ClearMessages removes a conversation's messages from both storage classes.
func (m *Memory) ClearMessages(ctx context.Context, conversationID string) error {
	m.fallback.clear(conversationID)
	if m.store == nil {
		return nil
	}
	return m.store.ClearMessages(ctx, conversationID)
}

// SaveFact persists a durable claim about a contact.
func (m *Memory) SaveFact(ctx context.Context, fact Fact) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveFact(ctx, fact)
}

// GetRelevantFacts retrieves active facts for a contact.
func (m *Memory) GetRelevantFacts(ctx context.Context, contactID, query string, limit int) ([]Fact, error) {
	if m.store == nil || contactID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = m.opts.FactLimit
	}
	return m.store.GetRelevantFacts(ctx, contactID, query, limit, m.opts.FactSimilarityThreshold)
}

// MarkFactsStale marks a contact's facts (optionally keyed) stale.
func (m *Memory) MarkFactsStale(ctx context.Context, contactID string, keys []string) error {
	if m.store == nil {
		return nil
	}
	return m.store.MarkFactsStale(ctx, contactID, keys)
}

// GetContextForLLM assembles the prompt context: the recent message tail,
// the newest unexpired summaries and the contact's relevant facts.
func (m *Memory) GetContextForLLM(ctx context.Context, conversationID string, opts ContextOptions) (*Context, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = m.opts.MaxRecentMessages
	}

	messages, storage, err := m.GetMessages(ctx, conversationID, GetMessagesOptions{Limit: opts.MaxMessages})
	if err != nil {
		return nil, err
	}

	result := &Context{Messages: messages, Storage: storage}

	if m.store != nil && storage == StorageDatabase {
		if summaries, err := m.store.GetRecentSummaries(ctx, conversationID, m.opts.MaxSummaries); err == nil {
			result.Summaries = summaries
		} else {
			logger.G(ctx).WithError(err).Warn("failed to load summaries for context")
		}
	}

	if opts.ContactID != "" {
		if facts, err := m.GetRelevantFacts(ctx, opts.ContactID, opts.CurrentQuery, m.opts.FactLimit); err == nil {
			result.Facts = facts
		} else {
			logger.G(ctx).WithError(err).Warn("failed to load facts for context")
		}
	}

	result.ContextText = renderContext(result)
	result.Stats = ContextStats{
		MessageCount: len(result.Messages),
		SummaryCount: len(result.Summaries),
		FactCount:    len(result.Facts),
	}
	return result, nil
}

func renderContext(c *Context) string {
	var b strings.Builder

	if len(c.Summaries) > 0 {
		b.WriteString("Resumen de conversaciones anteriores:\n")
		// Stored newest-first; render oldest-first so the narrative reads forward.
		for i := len(c.Summaries) - 1; i >= 0; i-- {
			fmt.Fprintf(&b, "- %s\n", c.Summaries[i].SummaryText)
		}
		b.WriteString("\n")
	}

	if len(c.Facts) > 0 {
		b.WriteString("Datos del cliente:\n")
		for _, f := range c.Facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.FactKey, f.FactValue)
		}
		b.WriteString("\n")
	}

	if len(c.Messages) > 0 {
		b.WriteString("Mensajes recientes:\n")
		for _, msg := range c.Messages {
			fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
		}
	}

	return strings.TrimSpace(b.String())
}
