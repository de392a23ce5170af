package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SQLKnowledgeStore persists model knowledge in the model_knowledge table.
type SQLKnowledgeStore struct {
	db *sqlx.DB
}

// NewSQLKnowledgeStore creates a knowledge store over an open database handle.
func NewSQLKnowledgeStore(db *sqlx.DB) *SQLKnowledgeStore {
	return &SQLKnowledgeStore{db: db}
}

type knowledgeRow struct {
	Model        string    `db:"model"`
	Capabilities []byte    `db:"capabilities"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// LoadAll returns every persisted model knowledge record.
func (s *SQLKnowledgeStore) LoadAll(ctx context.Context) ([]ModelKnowledge, error) {
	var rows []knowledgeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT model, capabilities, updated_at FROM model_knowledge`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load model knowledge")
	}

	out := make([]ModelKnowledge, 0, len(rows))
	for _, r := range rows {
		k := ModelKnowledge{Model: r.Model, UpdatedAt: r.UpdatedAt}
		if err := json.Unmarshal(r.Capabilities, &k.Capabilities); err != nil {
			return nil, errors.Wrapf(err, "failed to decode capabilities for %s", r.Model)
		}
		out = append(out, k)
	}
	return out, nil
}

// Save upserts one model knowledge record.
func (s *SQLKnowledgeStore) Save(ctx context.Context, k ModelKnowledge) error {
	caps, err := json.Marshal(k.Capabilities)
	if err != nil {
		return errors.Wrap(err, "failed to encode capabilities")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_knowledge (model, capabilities, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (model) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			updated_at = now()
	`, k.Model, caps)
	return errors.Wrap(err, "failed to save model knowledge")
}
