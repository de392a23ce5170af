package migrations

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/db"
)

// Migration20260301000002CreateConversationMemory creates the message, summary
// and fact tables backing conversation memory.
func Migration20260301000002CreateConversationMemory(opts Options) db.Migration {
	dims := opts.EmbeddingDimensions
	return db.Migration{
		Version:     20260301000002,
		Description: "Create conversation_messages, conversation_summaries and conversation_facts",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS conversation_messages (
					id BIGSERIAL PRIMARY KEY,
					conversation_id TEXT NOT NULL,
					contact_id TEXT,
					role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
					content TEXT NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					message_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
					summarized BOOLEAN NOT NULL DEFAULT FALSE,
					summary_id UUID
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create conversation_messages table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
					ON conversation_messages (conversation_id, message_timestamp)
			`); err != nil {
				return errors.Wrap(err, "failed to create conversation timestamp index")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_messages_unsummarized
					ON conversation_messages (summarized, message_timestamp)
					WHERE summarized = FALSE
			`); err != nil {
				return errors.Wrap(err, "failed to create summarizer scan index")
			}

			if _, err := tx.Exec(fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS conversation_summaries (
					id UUID PRIMARY KEY,
					conversation_id TEXT NOT NULL,
					contact_id TEXT,
					summary_text TEXT NOT NULL,
					messages_start_at TIMESTAMPTZ NOT NULL,
					messages_end_at TIMESTAMPTZ NOT NULL,
					message_count INTEGER NOT NULL,
					estimated_tokens INTEGER NOT NULL DEFAULT 0,
					summary_embedding vector(%d),
					metadata JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					expires_at TIMESTAMPTZ
				)
			`, dims)); err != nil {
				return errors.Wrap(err, "failed to create conversation_summaries table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_summaries_conversation
					ON conversation_summaries (conversation_id, created_at DESC)
			`); err != nil {
				return errors.Wrap(err, "failed to create summaries index")
			}

			if _, err := tx.Exec(fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS conversation_facts (
					id BIGSERIAL PRIMARY KEY,
					contact_id TEXT NOT NULL,
					source_conversation_id TEXT,
					fact_type TEXT NOT NULL,
					fact_key TEXT NOT NULL,
					fact_value TEXT NOT NULL,
					fact_embedding vector(%d),
					confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
					last_confirmed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					is_stale BOOLEAN NOT NULL DEFAULT FALSE,
					expires_at TIMESTAMPTZ,
					UNIQUE (contact_id, fact_type, fact_key)
				)
			`, dims)); err != nil {
				return errors.Wrap(err, "failed to create conversation_facts table")
			}

			return nil
		},
	}
}
