// Package vector implements the pgvector-backed knowledge store and the
// semantic response cache. Documents are addressed by a deterministic content
// hash and searched by cosine similarity through HNSW indexes; every search
// result carries its computed similarity back to the caller.
package vector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/logger"
)

// Embedder is the slice of the embedding provider the store consumes. A nil
// vector from the embedder means the semantic path is unavailable and the
// operation degrades.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrEmbeddingUnavailable signals that a query could not be vectorized.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Config tunes search thresholds and the response-cache error filter.
type Config struct {
	DefaultThreshold   float64
	CategoryThresholds map[string]float64
	MaxResults         int
	// ErrorSubstrings mark responses that must never enter the cache
	// (apologies, retry prompts).
	ErrorSubstrings []string
}

// DefaultErrorSubstrings covers the fixed apology responses the pipelines
// emit on failure, in both languages the bot speaks.
var DefaultErrorSubstrings = []string{
	"disculpa",
	"lo siento",
	"intenta de nuevo",
	"sorry",
	"try again",
}

func (c Config) threshold(category string) float64 {
	if t, ok := c.CategoryThresholds[category]; ok {
		return t
	}
	return c.DefaultThreshold
}

// Document is one knowledge entry to upsert.
type Document struct {
	Content  string
	Category string
	Source   string
	Metadata map[string]any
	TTL      time.Duration
}

// SearchResult is one similarity hit from the knowledge table.
type SearchResult struct {
	Content    string
	Category   string
	Source     string
	Metadata   map[string]any
	Similarity float64
}

// CachedResponse is one semantic response-cache hit.
type CachedResponse struct {
	Response   string
	Metadata   map[string]any
	Category   string
	Similarity float64
}

// SearchOptions narrow a knowledge search.
type SearchOptions struct {
	Category  string
	Source    string
	Limit     int
	Threshold float64 // 0 means per-category default
}

// Store persists embeddings in Postgres with pgvector.
type Store struct {
	db       *sqlx.DB
	embedder Embedder
	cfg      Config
}

// NewStore creates a vector store over an open database handle.
func NewStore(db *sqlx.DB, embedder Embedder, cfg Config) *Store {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 0.75
	}
	if len(cfg.ErrorSubstrings) == 0 {
		cfg.ErrorSubstrings = DefaultErrorSubstrings
	}
	return &Store{db: db, embedder: embedder, cfg: cfg}
}

// Upsert inserts or refreshes one document keyed by its content hash.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	vec, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return errors.Wrap(err, "failed to embed document")
	}
	if vec == nil {
		return ErrEmbeddingUnavailable
	}
	return s.upsertRow(ctx, doc, vec)
}

// UpsertBatch embeds and upserts documents in one embedding round-trip.
// Documents whose embedding came back nil are skipped, not failed.
func (s *Store) UpsertBatch(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to embed batch")
	}

	upserted := 0
	for i, doc := range docs {
		if vectors[i] == nil {
			logger.G(ctx).WithField("category", doc.Category).Debug("skipping document without embedding")
			continue
		}
		if err := s.upsertRow(ctx, doc, vectors[i]); err != nil {
			return upserted, errors.Wrapf(err, "failed to upsert document %d", i)
		}
		upserted++
	}
	return upserted, nil
}

func (s *Store) upsertRow(ctx context.Context, doc Document, vec []float32) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata")
	}
	if doc.Metadata == nil {
		metadata = []byte("{}")
	}

	var expiresAt *time.Time
	if doc.TTL > 0 {
		t := time.Now().Add(doc.TTL)
		expiresAt = &t
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_embeddings
			(content_hash, category, source, content_text, metadata, embedding, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7)
		ON CONFLICT (content_hash) DO UPDATE SET
			category = EXCLUDED.category,
			source = EXCLUDED.source,
			content_text = EXCLUDED.content_text,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`, ContentHash(doc.Content), doc.Category, doc.Source, doc.Content, metadata, FormatVector(vec), expiresAt)
	return errors.Wrap(err, "failed to upsert embedding")
}

type searchRow struct {
	ID         int64   `db:"id"`
	Content    string  `db:"content_text"`
	Category   string  `db:"category"`
	Source     string  `db:"source"`
	Metadata   []byte  `db:"metadata"`
	Similarity float64 `db:"similarity"`
}

// Search finds documents semantically similar to the query. Results are
// ordered by distance and filtered by the per-category threshold; hit
// counters are bumped after a non-empty result.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil || vec == nil {
		// Degrade: no semantic path without an embedding.
		logger.G(ctx).WithError(err).Debug("vector search skipped: embedding unavailable")
		return nil, nil
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = s.cfg.threshold(opts.Category)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}

	q := `
		SELECT id, content_text, category, source, metadata,
			1 - (embedding <=> $1::vector) AS similarity
		FROM vector_embeddings
		WHERE (expires_at IS NULL OR expires_at > now())
			AND 1 - (embedding <=> $1::vector) >= $2
			AND ($3 = '' OR category = $3)
			AND ($4 = '' OR source = $4)
		ORDER BY embedding <=> $1::vector
		LIMIT $5
	`
	var rows []searchRow
	if err := s.db.SelectContext(ctx, &rows, q, FormatVector(vec), threshold, opts.Category, opts.Source, limit); err != nil {
		return nil, errors.Wrap(err, "failed to search embeddings")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(rows))
	results := make([]SearchResult, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		results[i] = SearchResult{
			Content:    r.Content,
			Category:   r.Category,
			Source:     r.Source,
			Metadata:   unmarshalMetadata(ctx, r.Metadata),
			Similarity: r.Similarity,
		}
	}
	s.bumpHits(ctx, "vector_embeddings", ids)

	return results, nil
}

// FindBestMatch returns the single closest document above threshold, or nil.
func (s *Store) FindBestMatch(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	opts.Limit = 1
	results, err := s.Search(ctx, query, opts)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

func (s *Store) bumpHits(ctx context.Context, table string, ids []int64) {
	query, args, err := sqlx.In(
		`UPDATE `+table+` SET hit_count = hit_count + 1, last_hit_at = now() WHERE id IN (?)`, ids)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to build hit-count update")
		return
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to bump hit counters")
	}
}

func unmarshalMetadata(ctx context.Context, raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to unmarshal metadata")
		return nil
	}
	return m
}

// InvalidateBySource deletes all documents loaded from the given source.
func (s *Store) InvalidateBySource(ctx context.Context, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vector_embeddings WHERE source = $1`, source)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to invalidate source %s", source)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InvalidateByCategory deletes all documents in the given category.
func (s *Store) InvalidateByCategory(ctx context.Context, category string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vector_embeddings WHERE category = $1`, category)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to invalidate category %s", category)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CleanupExpired deletes expired rows from both tables.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"vector_embeddings", "vector_response_cache"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at <= now()`)
		if err != nil {
			return total, errors.Wrapf(err, "failed to clean up %s", table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// CategoryStats summarizes one category of stored documents.
type CategoryStats struct {
	Category string  `db:"category"`
	Count    int64   `db:"count"`
	Hits     int64   `db:"hits"`
	AvgHits  float64 `db:"avg_hits"`
}

// Stats returns per-category counts and hit statistics.
func (s *Store) Stats(ctx context.Context) ([]CategoryStats, error) {
	var stats []CategoryStats
	err := s.db.SelectContext(ctx, &stats, `
		SELECT category, COUNT(*) AS count,
			COALESCE(SUM(hit_count), 0) AS hits,
			COALESCE(AVG(hit_count), 0) AS avg_hits
		FROM vector_embeddings
		GROUP BY category
		ORDER BY category
	`)
	return stats, errors.Wrap(err, "failed to query stats")
}

// Ping verifies the store's database connectivity (for health probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
