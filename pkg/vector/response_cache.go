package vector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/logger"
)

// CacheOptions tune a response-cache read or write.
type CacheOptions struct {
	Category  string
	Threshold float64
	TTL       time.Duration
}

// ErrErrorResponse rejects cache writes whose text matches an error pattern.
var ErrErrorResponse = errors.New("response matches error pattern, not cached")

// isErrorText reports whether a response looks like an apology or retry
// prompt. Such responses must never be served from the semantic cache.
func (s *Store) isErrorText(text string) bool {
	lowered := strings.ToLower(text)
	for _, sub := range s.cfg.ErrorSubstrings {
		if strings.Contains(lowered, sub) {
			return true
		}
	}
	return false
}

type cacheRow struct {
	ID         int64   `db:"id"`
	Response   string  `db:"response_text"`
	Metadata   []byte  `db:"response_metadata"`
	Category   string  `db:"category"`
	Similarity float64 `db:"similarity"`
}

// GetCachedResponse looks up a semantically equivalent prior reply. Returns
// nil without error on miss or when the query cannot be vectorized.
func (s *Store) GetCachedResponse(ctx context.Context, query string, opts CacheOptions) (*CachedResponse, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil || vec == nil {
		logger.G(ctx).WithError(err).Debug("cache lookup skipped: embedding unavailable")
		return nil, nil
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = s.cfg.DefaultThreshold
	}

	var rows []cacheRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT id, response_text, response_metadata, category,
			1 - (query_embedding <=> $1::vector) AS similarity
		FROM vector_response_cache
		WHERE (expires_at IS NULL OR expires_at > now())
			AND 1 - (query_embedding <=> $1::vector) >= $2
		ORDER BY query_embedding <=> $1::vector
		LIMIT 1
	`, FormatVector(vec), threshold)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query response cache")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	s.bumpHits(ctx, "vector_response_cache", []int64{row.ID})

	return &CachedResponse{
		Response:   row.Response,
		Metadata:   unmarshalMetadata(ctx, row.Metadata),
		Category:   row.Category,
		Similarity: row.Similarity,
	}, nil
}

// SetCachedResponse stores a reply for semantic reuse. Responses matching the
// configured error patterns are rejected so failures never become sticky.
func (s *Store) SetCachedResponse(ctx context.Context, query, response string, metadata map[string]any, opts CacheOptions) error {
	if s.isErrorText(response) {
		return ErrErrorResponse
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return errors.Wrap(err, "failed to embed query")
	}
	if vec == nil {
		return ErrEmbeddingUnavailable
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal response metadata")
	}
	if metadata == nil {
		meta = []byte("{}")
	}

	category := opts.Category
	if category == "" {
		category = "general"
	}
	var expiresAt *time.Time
	if opts.TTL > 0 {
		t := time.Now().Add(opts.TTL)
		expiresAt = &t
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_response_cache
			(query_hash, query_text, query_embedding, response_text, response_metadata, category, expires_at)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7)
		ON CONFLICT (query_hash) DO UPDATE SET
			query_text = EXCLUDED.query_text,
			query_embedding = EXCLUDED.query_embedding,
			response_text = EXCLUDED.response_text,
			response_metadata = EXCLUDED.response_metadata,
			category = EXCLUDED.category,
			expires_at = EXCLUDED.expires_at
	`, ContentHash(query), query, FormatVector(vec), response, meta, category, expiresAt)
	return errors.Wrap(err, "failed to store cached response")
}
