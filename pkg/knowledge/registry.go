package knowledge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/vector"
)

// Fetcher loads raw tab contents from the spreadsheet backend.
type Fetcher interface {
	FetchTabs(ctx context.Context, tabs []string) (map[string][][]string, error)
}

// Projector is the slice of the vector store the hub projection needs.
type Projector interface {
	InvalidateBySource(ctx context.Context, source string) (int64, error)
	UpsertBatch(ctx context.Context, docs []vector.Document) (int, error)
}

// RoutingSink receives the sheet-provided model routing after each refresh.
type RoutingSink interface {
	UpdateRouting(routing map[string]llm.ModelConfig)
}

// Options tune the registry.
type Options struct {
	SyncInterval time.Duration
	CategoryTTLs map[string]time.Duration
}

func (o Options) withDefaults() Options {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Minute
	}
	if o.CategoryTTLs == nil {
		o.CategoryTTLs = map[string]time.Duration{
			CategoryBranchInfo: 24 * time.Hour,
			CategoryProduct:    6 * time.Hour,
			CategoryFAQ:        12 * time.Hour,
			CategoryCanned:     12 * time.Hour,
			CategoryKnowledge:  24 * time.Hour,
		}
	}
	return o
}

// Registry holds the current configuration snapshot and refreshes it on an
// interval. Snapshot() never returns nil: before the first successful fetch
// (or without credentials) readers see the built-in fallback.
type Registry struct {
	fetcher   Fetcher
	projector Projector
	routing   RoutingSink
	analyzer  *SchemaAnalyzer
	opts      Options

	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewRegistry creates a registry. fetcher, projector, routing and analyzer may
// each be nil; missing pieces degrade (fallback snapshot, no projection, no
// routing push, hardcoded projection).
func NewRegistry(fetcher Fetcher, projector Projector, routing RoutingSink, analyzer *SchemaAnalyzer, opts Options) *Registry {
	r := &Registry{
		fetcher:   fetcher,
		projector: projector,
		routing:   routing,
		analyzer:  analyzer,
		opts:      opts.withDefaults(),
	}
	r.current.Store(fallbackSnapshot(r.version.Add(1)))
	return r
}

// Snapshot returns the current configuration snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Refresh fetches all tabs, publishes a new snapshot and projects it into the
// vector store. On fetch failure the previous snapshot stays current.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.fetcher == nil {
		return errors.New("no sheet fetcher configured, serving fallback snapshot")
	}

	tabs, err := r.fetcher.FetchTabs(ctx, AllTabs)
	if err != nil {
		return errors.Wrap(err, "config refresh failed")
	}

	snap := buildSnapshot(tabs, r.version.Add(1), time.Now())
	r.current.Store(snap)
	logger.G(ctx).WithFields(map[string]any{
		"version":  snap.Version,
		"branches": len(snap.Branches),
		"products": len(snap.Products),
		"canned":   len(snap.Canned),
	}).Info("configuration snapshot published")

	if r.routing != nil && len(snap.ModelRouting) > 0 {
		r.routing.UpdateRouting(snap.ModelRouting)
	}

	if r.projector != nil {
		if err := r.project(ctx, snap, tabs); err != nil {
			// The snapshot is already live; a failed projection only costs
			// vector recall until the next cycle.
			logger.G(ctx).WithError(err).Warn("vector projection failed")
		}
	}
	return nil
}

// Run refreshes immediately and then on the sync interval until the context
// ends.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		logger.G(ctx).WithError(err).Warn("initial config refresh failed")
	}

	ticker := time.NewTicker(r.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logger.G(ctx).WithError(err).Warn("config refresh failed")
			}
		}
	}
}

func (r *Registry) project(ctx context.Context, snap *Snapshot, tabs map[string][][]string) error {
	var docs []vector.Document
	if r.analyzer != nil {
		analyzed, err := r.analyzer.Analyze(ctx, tabs, r.opts.CategoryTTLs)
		if err == nil {
			docs = analyzed
		} else {
			logger.G(ctx).WithError(err).Warn("schema analyzer failed, using hardcoded projection")
		}
	}
	if docs == nil {
		docs = buildDocuments(snap, r.opts.CategoryTTLs)
	}

	if _, err := r.projector.InvalidateBySource(ctx, SourceConfigHub); err != nil {
		return errors.Wrap(err, "failed to invalidate previous projection")
	}
	n, err := r.projector.UpsertBatch(ctx, docs)
	if err != nil {
		return errors.Wrap(err, "failed to project snapshot")
	}
	logger.G(ctx).WithField("documents", n).Debug("snapshot projected into vector store")
	return nil
}

// buildDocuments is the hardcoded projection: one document per active entity,
// source config_hub, per-category TTL.
func buildDocuments(snap *Snapshot, ttls map[string]time.Duration) []vector.Document {
	var docs []vector.Document

	for _, b := range snap.Branches {
		if !b.Enabled {
			continue
		}
		content := joinFields(b.Name, b.ShortName, b.Address, b.City, b.Phone)
		if len(b.Synonyms) > 0 {
			content = joinFields(content, joinFields(b.Synonyms...))
		}
		docs = append(docs, vector.Document{
			Content:  content,
			Category: CategoryBranchInfo,
			Source:   SourceConfigHub,
			Metadata: map[string]any{"branch_id": b.ID, "name": b.Name, "city": b.City},
			TTL:      ttls[CategoryBranchInfo],
		})
	}

	for _, p := range snap.Products {
		if !p.Enabled {
			continue
		}
		content := joinFields(p.Name, p.Category, p.Description, fmt.Sprintf("$%.2f", p.Price))
		if len(p.FuzzyKeywords) > 0 {
			content = joinFields(content, joinFields(p.FuzzyKeywords...))
		}
		docs = append(docs, vector.Document{
			Content:  content,
			Category: CategoryProduct,
			Source:   SourceConfigHub,
			Metadata: map[string]any{"sku": p.SKU, "woo_id": p.WooID, "name": p.Name, "price": p.Price},
			TTL:      ttls[CategoryProduct],
		})
	}

	for _, f := range snap.FAQs {
		if !f.Enabled {
			continue
		}
		docs = append(docs, vector.Document{
			Content:  joinFields(f.Question, f.Answer),
			Category: CategoryFAQ,
			Source:   SourceConfigHub,
			Metadata: map[string]any{"question": f.Question, "answer": f.Answer},
			TTL:      ttls[CategoryFAQ],
		})
	}

	for _, c := range snap.ActiveCanned(time.Now()) {
		docs = append(docs, vector.Document{
			Content:  c.Trigger,
			Category: CategoryCanned,
			Source:   SourceConfigHub,
			Metadata: map[string]any{"response": c.Response, "season": c.Season},
			TTL:      ttls[CategoryCanned],
		})
	}

	for _, k := range snap.Knowledge {
		if !k.Enabled {
			continue
		}
		docs = append(docs, vector.Document{
			Content:  joinFields(k.Topic, k.Content),
			Category: CategoryKnowledge,
			Source:   SourceConfigHub,
			Metadata: map[string]any{"topic": k.Topic},
			TTL:      ttls[CategoryKnowledge],
		})
	}

	return docs
}

func joinFields(fields ...string) string {
	out := ""
	for _, f := range fields {
		if f == "" {
			continue
		}
		if out != "" {
			out += " | "
		}
		out += f
	}
	return out
}

// fallbackSnapshot is served when the spreadsheet is unreachable or
// unconfigured: enough for the bot to greet, apologize and hand off.
func fallbackSnapshot(version int64) *Snapshot {
	return &Snapshot{
		Version:    version,
		FetchedAt:  time.Now(),
		IsFallback: true,
		Canned: []CannedResponse{
			{
				Trigger:  "horario",
				Response: "Nuestras sucursales abren de 7:00 a 21:00 todos los días.",
				Enabled:  true,
			},
			{
				Trigger:  "hola",
				Response: "¡Hola! Soy Tania, el asistente de la panadería. ¿En qué te puedo ayudar?",
				Enabled:  true,
			},
		},
		AgentConfig:       map[string]string{"handoff_message": "Te comunico con un compañero del equipo."},
		OrderModifyPolicy: OrderModifyPolicy{CutoffHours: 24},
	}
}
