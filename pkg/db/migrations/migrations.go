// Package migrations contains all database migrations for tania.
// Migrations use Rails-style timestamp versioning (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/taniahq/tania/pkg/db"
)

// Options parameterize DDL that depends on runtime configuration.
type Options struct {
	EmbeddingDimensions int
	HNSWM               int
	HNSWEfConstruction  int
}

func (o Options) withDefaults() Options {
	if o.EmbeddingDimensions == 0 {
		o.EmbeddingDimensions = 1536
	}
	if o.HNSWM == 0 {
		o.HNSWM = 16
	}
	if o.HNSWEfConstruction == 0 {
		o.HNSWEfConstruction = 64
	}
	return o
}

// All returns all registered migrations in the correct order.
// New migrations should be added to this list.
func All(opts Options) []db.Migration {
	opts = opts.withDefaults()
	return []db.Migration{
		Migration20260301000001EnablePgvector(),
		Migration20260301000002CreateConversationMemory(opts),
		Migration20260301000003CreateVectorStore(opts),
		Migration20260301000004CreateActionBus(),
		Migration20260301000005CreateModelKnowledge(),
	}
}
