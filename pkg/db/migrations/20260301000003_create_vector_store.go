package migrations

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/db"
)

// Migration20260301000003CreateVectorStore creates the knowledge embedding
// table and the semantic response cache with HNSW cosine indexes.
func Migration20260301000003CreateVectorStore(opts Options) db.Migration {
	dims := opts.EmbeddingDimensions
	return db.Migration{
		Version:     20260301000003,
		Description: "Create vector_embeddings and vector_response_cache with HNSW indexes",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS vector_embeddings (
					id BIGSERIAL PRIMARY KEY,
					content_hash TEXT NOT NULL UNIQUE,
					category TEXT NOT NULL,
					source TEXT NOT NULL DEFAULT '',
					content_text TEXT NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					embedding vector(%d) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					expires_at TIMESTAMPTZ,
					hit_count BIGINT NOT NULL DEFAULT 0,
					last_hit_at TIMESTAMPTZ
				)
			`, dims)); err != nil {
				return errors.Wrap(err, "failed to create vector_embeddings table")
			}

			if _, err := tx.Exec(fmt.Sprintf(`
				CREATE INDEX IF NOT EXISTS idx_vector_embeddings_hnsw
					ON vector_embeddings USING hnsw (embedding vector_cosine_ops)
					WITH (m = %d, ef_construction = %d)
			`, opts.HNSWM, opts.HNSWEfConstruction)); err != nil {
				return errors.Wrap(err, "failed to create embeddings HNSW index")
			}

			for _, stmt := range []string{
				`CREATE INDEX IF NOT EXISTS idx_vector_embeddings_category ON vector_embeddings (category)`,
				`CREATE INDEX IF NOT EXISTS idx_vector_embeddings_source ON vector_embeddings (source)`,
				`CREATE INDEX IF NOT EXISTS idx_vector_embeddings_expires ON vector_embeddings (expires_at) WHERE expires_at IS NOT NULL`,
			} {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrap(err, "failed to create embeddings btree index")
				}
			}

			if _, err := tx.Exec(fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS vector_response_cache (
					id BIGSERIAL PRIMARY KEY,
					query_hash TEXT NOT NULL UNIQUE,
					query_text TEXT NOT NULL,
					query_embedding vector(%d) NOT NULL,
					response_text TEXT NOT NULL,
					response_metadata JSONB NOT NULL DEFAULT '{}',
					category TEXT NOT NULL DEFAULT 'general',
					created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					expires_at TIMESTAMPTZ,
					hit_count BIGINT NOT NULL DEFAULT 0,
					last_hit_at TIMESTAMPTZ
				)
			`, dims)); err != nil {
				return errors.Wrap(err, "failed to create vector_response_cache table")
			}

			if _, err := tx.Exec(fmt.Sprintf(`
				CREATE INDEX IF NOT EXISTS idx_response_cache_hnsw
					ON vector_response_cache USING hnsw (query_embedding vector_cosine_ops)
					WITH (m = %d, ef_construction = %d)
			`, opts.HNSWM, opts.HNSWEfConstruction)); err != nil {
				return errors.Wrap(err, "failed to create response cache HNSW index")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_response_cache_expires
					ON vector_response_cache (expires_at) WHERE expires_at IS NOT NULL
			`); err != nil {
				return errors.Wrap(err, "failed to create response cache expiry index")
			}

			return nil
		},
	}
}
