// Package memory implements persistent per-conversation message logs,
// LLM-ready context assembly and long-term contact facts. When the database
// is unavailable writes land in a bounded in-process fallback so the reply
// pipeline keeps working at a reduced durability class.
package memory

import (
	"time"

	"github.com/taniahq/tania/pkg/types/chat"
)

// Storage identifies the durability class a memory operation landed on.
type Storage string

const (
	StorageDatabase Storage = "database"
	StorageMemory   Storage = "memory"
)

// Message is one conversation utterance.
type Message struct {
	ID             int64          `db:"id"`
	ConversationID string         `db:"conversation_id"`
	ContactID      *string        `db:"contact_id"`
	Role           chat.Role      `db:"role"`
	Content        string         `db:"content"`
	Metadata       map[string]any `db:"-"`
	Timestamp      time.Time      `db:"message_timestamp"`
	Summarized     bool           `db:"summarized"`
	SummaryID      *string        `db:"summary_id"`
}

// Summary is an LLM-compressed span of messages.
type Summary struct {
	ID              string         `db:"id"`
	ConversationID  string         `db:"conversation_id"`
	ContactID       *string        `db:"contact_id"`
	SummaryText     string         `db:"summary_text"`
	MessagesStartAt time.Time      `db:"messages_start_at"`
	MessagesEndAt   time.Time      `db:"messages_end_at"`
	MessageCount    int            `db:"message_count"`
	EstimatedTokens int            `db:"estimated_tokens"`
	Metadata        map[string]any `db:"-"`
	CreatedAt       time.Time      `db:"created_at"`
	ExpiresAt       *time.Time     `db:"expires_at"`
}

// Fact is a durable key-addressed claim about a contact.
type Fact struct {
	ContactID            string     `db:"contact_id"`
	SourceConversationID string     `db:"source_conversation_id"`
	FactType             string     `db:"fact_type"`
	FactKey              string     `db:"fact_key"`
	FactValue            string     `db:"fact_value"`
	Confidence           float64    `db:"confidence"`
	LastConfirmedAt      time.Time  `db:"last_confirmed_at"`
	IsStale              bool       `db:"is_stale"`
	ExpiresAt            *time.Time `db:"expires_at"`
}

// Context is the assembled LLM input for one conversation.
type Context struct {
	Messages    []Message
	Summaries   []Summary
	Facts       []Fact
	ContextText string
	Storage     Storage
	Stats       ContextStats
}

// ContextStats describes what went into an assembled context.
type ContextStats struct {
	MessageCount int
	SummaryCount int
	FactCount    int
}

// ContextOptions tune context assembly.
type ContextOptions struct {
	MaxMessages  int
	ContactID    string
	CurrentQuery string
}

// GetMessagesOptions tune a message fetch.
type GetMessagesOptions struct {
	Limit         int
	IncludeSystem bool
}
