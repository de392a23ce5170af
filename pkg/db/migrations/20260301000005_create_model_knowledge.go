package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/db"
)

// Migration20260301000005CreateModelKnowledge creates the learned
// model-capability table.
func Migration20260301000005CreateModelKnowledge() db.Migration {
	return db.Migration{
		Version:     20260301000005,
		Description: "Create model_knowledge table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS model_knowledge (
					model TEXT PRIMARY KEY,
					capabilities JSONB NOT NULL DEFAULT '{}',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create model_knowledge table")
			}
			return nil
		},
	}
}
