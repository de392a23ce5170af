package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/db"
)

// Migration20260301000001EnablePgvector enables the pgvector extension.
func Migration20260301000001EnablePgvector() db.Migration {
	return db.Migration{
		Version:     20260301000001,
		Description: "Enable pgvector extension",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
				return errors.Wrap(err, "failed to enable pgvector extension")
			}
			return nil
		},
	}
}
