package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/types/chat"
	"github.com/taniahq/tania/pkg/vector"
)

// Embedder vectorizes fact values and summary texts; nil vectors are stored
// as NULL and excluded from similarity retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the Postgres-backed conversation memory.
type Store struct {
	db       *sqlx.DB
	embedder Embedder
}

// NewStore creates a memory store over an open database handle.
func NewStore(db *sqlx.DB, embedder Embedder) *Store {
	return &Store{db: db, embedder: embedder}
}

type messageRow struct {
	ID             int64     `db:"id"`
	ConversationID string    `db:"conversation_id"`
	ContactID      *string   `db:"contact_id"`
	Role           string    `db:"role"`
	Content        string    `db:"content"`
	Metadata       []byte    `db:"metadata"`
	Timestamp      time.Time `db:"message_timestamp"`
	Summarized     bool      `db:"summarized"`
	SummaryID      *string   `db:"summary_id"`
}

func (r messageRow) toMessage() Message {
	m := Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		ContactID:      r.ContactID,
		Role:           chat.Role(r.Role),
		Content:        r.Content,
		Timestamp:      r.Timestamp,
		Summarized:     r.Summarized,
		SummaryID:      r.SummaryID,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &m.Metadata)
	}
	return m
}

// AddMessage appends one utterance. A message identical in role and content
// to the conversation's latest stored message is elided, which makes queue
// redeliveries idempotent at this layer.
func (s *Store) AddMessage(ctx context.Context, conversationID string, role chat.Role, content string, contactID string, metadata map[string]any) error {
	var last []messageRow
	err := s.db.SelectContext(ctx, &last, `
		SELECT id, conversation_id, contact_id, role, content, metadata, message_timestamp, summarized, summary_id
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY message_timestamp DESC, id DESC
		LIMIT 1
	`, conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to load last message")
	}
	if len(last) == 1 && last[0].Role == string(role) && last[0].Content == content {
		return nil
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message metadata")
	}
	if metadata == nil {
		meta = []byte("{}")
	}

	var contact *string
	if contactID != "" {
		contact = &contactID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, contact_id, role, content, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, conversationID, contact, string(role), content, meta)
	return errors.Wrap(err, "failed to insert message")
}

// GetMessages returns unsummarized messages in chronological order.
func (s *Store) GetMessages(ctx context.Context, conversationID string, opts GetMessagesOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	q := `
		SELECT id, conversation_id, contact_id, role, content, metadata, message_timestamp, summarized, summary_id
		FROM conversation_messages
		WHERE conversation_id = $1 AND summarized = FALSE
	`
	if !opts.IncludeSystem {
		q += ` AND role <> 'system'`
	}
	q += ` ORDER BY message_timestamp DESC, id DESC LIMIT $2`

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, conversationID, limit); err != nil {
		return nil, errors.Wrap(err, "failed to load messages")
	}

	// Newest-first fetch, reversed to chronological.
	messages := make([]Message, len(rows))
	for i, r := range rows {
		messages[len(rows)-1-i] = r.toMessage()
	}
	return messages, nil
}

// ClearMessages deletes all messages for a conversation.
func (s *Store) ClearMessages(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = $1`, conversationID)
	return errors.Wrap(err, "failed to clear messages")
}

type summaryRow struct {
	ID              string     `db:"id"`
	ConversationID  string     `db:"conversation_id"`
	ContactID       *string    `db:"contact_id"`
	SummaryText     string     `db:"summary_text"`
	MessagesStartAt time.Time  `db:"messages_start_at"`
	MessagesEndAt   time.Time  `db:"messages_end_at"`
	MessageCount    int        `db:"message_count"`
	EstimatedTokens int        `db:"estimated_tokens"`
	Metadata        []byte     `db:"metadata"`
	CreatedAt       time.Time  `db:"created_at"`
	ExpiresAt       *time.Time `db:"expires_at"`
}

func (r summaryRow) toSummary() Summary {
	s := Summary{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		ContactID:       r.ContactID,
		SummaryText:     r.SummaryText,
		MessagesStartAt: r.MessagesStartAt,
		MessagesEndAt:   r.MessagesEndAt,
		MessageCount:    r.MessageCount,
		EstimatedTokens: r.EstimatedTokens,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &s.Metadata)
	}
	return s
}

// GetRecentSummaries returns the newest unexpired summaries for a conversation.
func (s *Store) GetRecentSummaries(ctx context.Context, conversationID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 3
	}
	var rows []summaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, contact_id, summary_text, messages_start_at, messages_end_at,
			message_count, estimated_tokens, metadata, created_at, expires_at
		FROM conversation_summaries
		WHERE conversation_id = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load summaries")
	}

	summaries := make([]Summary, len(rows))
	for i, r := range rows {
		summaries[i] = r.toSummary()
	}
	return summaries, nil
}

// SaveSummary persists a summary and marks the covered messages as
// summarized inside one transaction, so each message is summarized at most
// once even across scheduler crashes.
func (s *Store) SaveSummary(ctx context.Context, summary Summary, messageIDs []int64) (string, error) {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}

	var embedded any
	if vec, err := s.embedder.Embed(ctx, summary.SummaryText); err == nil && vec != nil {
		embedded = formatVector(vec)
	}

	meta, err := json.Marshal(summary.Metadata)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal summary metadata")
	}
	if summary.Metadata == nil {
		meta = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_summaries
			(id, conversation_id, contact_id, summary_text, messages_start_at, messages_end_at,
			 message_count, estimated_tokens, summary_embedding, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10, $11)
	`, summary.ID, summary.ConversationID, summary.ContactID, summary.SummaryText,
		summary.MessagesStartAt, summary.MessagesEndAt, summary.MessageCount,
		summary.EstimatedTokens, embedded, meta, summary.ExpiresAt)
	if err != nil {
		return "", errors.Wrap(err, "failed to insert summary")
	}

	query, args, err := sqlx.In(`
		UPDATE conversation_messages
		SET summarized = TRUE, summary_id = ?
		WHERE id IN (?) AND summarized = FALSE
	`, summary.ID, messageIDs)
	if err != nil {
		return "", errors.Wrap(err, "failed to build summarized update")
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return "", errors.Wrap(err, "failed to mark messages summarized")
	}
	if n, _ := res.RowsAffected(); n != int64(len(messageIDs)) {
		// Another cycle already claimed part of the span.
		return "", errors.Errorf("summarization conflict: marked %d of %d messages", n, len(messageIDs))
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit summary")
	}
	return summary.ID, nil
}

// ConversationCandidate is one conversation eligible for summarization.
type ConversationCandidate struct {
	ConversationID string    `db:"conversation_id"`
	MessageCount   int       `db:"message_count"`
	OldestAt       time.Time `db:"oldest_at"`
}

// FindConversationsToSummarize scans for conversations with enough aged
// unsummarized messages, oldest first.
func (s *Store) FindConversationsToSummarize(ctx context.Context, olderThan time.Duration, minMessages, limit int, includeSystem bool) ([]ConversationCandidate, error) {
	cutoff := time.Now().Add(-olderThan)
	q := `
		SELECT conversation_id, COUNT(*) AS message_count, MIN(message_timestamp) AS oldest_at
		FROM conversation_messages
		WHERE summarized = FALSE AND message_timestamp < $1
	`
	if !includeSystem {
		q += ` AND role <> 'system'`
	}
	q += `
		GROUP BY conversation_id
		HAVING COUNT(*) >= $2
		ORDER BY oldest_at ASC
		LIMIT $3
	`
	var candidates []ConversationCandidate
	err := s.db.SelectContext(ctx, &candidates, q, cutoff, minMessages, limit)
	return candidates, errors.Wrap(err, "failed to find conversations to summarize")
}

// GetMessagesForSummary returns up to limit aged unsummarized messages in
// chronological order.
func (s *Store) GetMessagesForSummary(ctx context.Context, conversationID string, olderThan time.Duration, limit int, includeSystem bool) ([]Message, error) {
	cutoff := time.Now().Add(-olderThan)
	q := `
		SELECT id, conversation_id, contact_id, role, content, metadata, message_timestamp, summarized, summary_id
		FROM conversation_messages
		WHERE conversation_id = $1 AND summarized = FALSE AND message_timestamp < $2
	`
	if !includeSystem {
		q += ` AND role <> 'system'`
	}
	q += ` ORDER BY message_timestamp ASC, id ASC LIMIT $3`

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, conversationID, cutoff, limit); err != nil {
		return nil, errors.Wrap(err, "failed to load messages for summary")
	}
	messages := make([]Message, len(rows))
	for i, r := range rows {
		messages[i] = r.toMessage()
	}
	return messages, nil
}

// DeleteSummarizedOlderThan removes summarized messages past the retention
// horizon. Unsummarized rows are never deleted here.
func (s *Store) DeleteSummarizedOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_messages
		WHERE summarized = TRUE AND message_timestamp < $1
	`, time.Now().Add(-retention))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old summarized messages")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredSummaries removes summaries past their expires_at.
func (s *Store) DeleteExpiredSummaries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_summaries
		WHERE expires_at IS NOT NULL AND expires_at <= now()
	`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired summaries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveFact upserts a fact on (contact_id, fact_type, fact_key): the value and
// embedding are replaced, confidence is lifted to the max of old and new,
// last_confirmed_at refreshes and staleness clears.
func (s *Store) SaveFact(ctx context.Context, fact Fact) error {
	var embedded any
	if vec, err := s.embedder.Embed(ctx, fact.FactValue); err == nil && vec != nil {
		embedded = formatVector(vec)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_facts
			(contact_id, source_conversation_id, fact_type, fact_key, fact_value,
			 fact_embedding, confidence, last_confirmed_at, is_stale, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7, now(), FALSE, $8)
		ON CONFLICT (contact_id, fact_type, fact_key) DO UPDATE SET
			fact_value = EXCLUDED.fact_value,
			fact_embedding = EXCLUDED.fact_embedding,
			source_conversation_id = EXCLUDED.source_conversation_id,
			confidence = GREATEST(conversation_facts.confidence, EXCLUDED.confidence),
			last_confirmed_at = now(),
			is_stale = FALSE,
			expires_at = EXCLUDED.expires_at
	`, fact.ContactID, fact.SourceConversationID, fact.FactType, fact.FactKey,
		fact.FactValue, embedded, fact.Confidence, fact.ExpiresAt)
	return errors.Wrap(err, "failed to save fact")
}

// GetRelevantFacts returns active facts for a contact. With a query, facts
// are ranked by cosine similarity above the threshold; without one, by
// confidence and recency.
func (s *Store) GetRelevantFacts(ctx context.Context, contactID, query string, limit int, similarityThreshold float64) ([]Fact, error) {
	if limit <= 0 {
		limit = 5
	}

	if query != "" {
		if vec, err := s.embedder.Embed(ctx, query); err == nil && vec != nil {
			var facts []Fact
			err := s.db.SelectContext(ctx, &facts, `
				SELECT contact_id, COALESCE(source_conversation_id, '') AS source_conversation_id,
					fact_type, fact_key, fact_value, confidence, last_confirmed_at, is_stale, expires_at
				FROM conversation_facts
				WHERE contact_id = $1 AND is_stale = FALSE
					AND (expires_at IS NULL OR expires_at > now())
					AND fact_embedding IS NOT NULL
					AND 1 - (fact_embedding <=> $2::vector) >= $3
				ORDER BY fact_embedding <=> $2::vector
				LIMIT $4
			`, contactID, formatVector(vec), similarityThreshold, limit)
			return facts, errors.Wrap(err, "failed to load facts by similarity")
		}
	}

	var facts []Fact
	err := s.db.SelectContext(ctx, &facts, `
		SELECT contact_id, COALESCE(source_conversation_id, '') AS source_conversation_id,
			fact_type, fact_key, fact_value, confidence, last_confirmed_at, is_stale, expires_at
		FROM conversation_facts
		WHERE contact_id = $1 AND is_stale = FALSE
			AND (expires_at IS NULL OR expires_at > now())
		ORDER BY confidence DESC, last_confirmed_at DESC
		LIMIT $2
	`, contactID, limit)
	return facts, errors.Wrap(err, "failed to load facts")
}

// MarkFactsStale marks all, or a keyed subset of, a contact's facts stale.
func (s *Store) MarkFactsStale(ctx context.Context, contactID string, keys []string) error {
	if len(keys) == 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE conversation_facts SET is_stale = TRUE WHERE contact_id = $1`, contactID)
		return errors.Wrap(err, "failed to mark facts stale")
	}

	query, args, err := sqlx.In(
		`UPDATE conversation_facts SET is_stale = TRUE WHERE contact_id = ? AND fact_key IN (?)`,
		contactID, keys)
	if err != nil {
		return errors.Wrap(err, "failed to build stale update")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return errors.Wrap(err, "failed to mark facts stale")
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatVector(vec []float32) string {
	return vector.FormatVector(vec)
}
