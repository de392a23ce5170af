package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/db"
)

// Migration20260301000004CreateActionBus creates the action lifecycle table.
func Migration20260301000004CreateActionBus() db.Migration {
	return db.Migration{
		Version:     20260301000004,
		Description: "Create action_bus table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS action_bus (
					action_id UUID PRIMARY KEY,
					action_type TEXT NOT NULL,
					payload JSONB NOT NULL DEFAULT '{}',
					context JSONB NOT NULL DEFAULT '{}',
					requested_by TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT '',
					autonomy_level TEXT NOT NULL,
					handler TEXT NOT NULL,
					state TEXT NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					expires_at TIMESTAMPTZ
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create action_bus table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_action_bus_state ON action_bus (state, expires_at)
			`); err != nil {
				return errors.Wrap(err, "failed to create action_bus state index")
			}

			return nil
		},
	}
}
