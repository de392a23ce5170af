package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/vector"
)

type fakeFetcher struct {
	tabs map[string][][]string
	err  error
}

func (f *fakeFetcher) FetchTabs(_ context.Context, _ []string) (map[string][][]string, error) {
	return f.tabs, f.err
}

type fakeProjector struct {
	invalidated []string
	upserted    [][]vector.Document
}

func (f *fakeProjector) InvalidateBySource(_ context.Context, source string) (int64, error) {
	f.invalidated = append(f.invalidated, source)
	return 0, nil
}

func (f *fakeProjector) UpsertBatch(_ context.Context, docs []vector.Document) (int, error) {
	f.upserted = append(f.upserted, docs)
	return len(docs), nil
}

type fakeRoutingSink struct {
	routing map[string]llm.ModelConfig
}

func (f *fakeRoutingSink) UpdateRouting(routing map[string]llm.ModelConfig) {
	f.routing = routing
}

func sampleTabs() map[string][][]string {
	return map[string][][]string{
		TabBranches: {
			{"id", "name", "short_name", "address", "city", "synonyms", "enabled"},
			{"b1", "Sucursal Centro", "Centro", "Av. Juárez 10", "Puebla", "centro, zócalo", "true"},
			{"b2", "Sucursal Norte", "Norte", "Blvd. Norte 5", "Puebla", "", "false"},
		},
		TabProducts: {
			{"woo_id", "sku", "name", "category", "price", "fuzzy_keywords", "enabled"},
			{"101", "RSC-01", "Rosca de Reyes", "temporada", "$350.00", "rosca|reyes", "true"},
		},
		TabCanned: {
			{"trigger", "response", "season", "enabled"},
			{"horario", "Abrimos de 7 a 21.", "", "true"},
			{"rosca", "¡Ya hay rosca!", "reyes", "true"},
		},
		TabModelRouting: {
			{"task", "model", "temperature", "max_tokens"},
			{"reply", "gpt-4o", "0.4", "600"},
		},
		TabOrderModifyPolicy: {
			{"key", "value"},
			{"cutoff_hours", "48"},
			{"requires_approval", "true"},
		},
	}
}

func TestRefreshPublishesSnapshotAndProjects(t *testing.T) {
	fetcher := &fakeFetcher{tabs: sampleTabs()}
	projector := &fakeProjector{}
	routing := &fakeRoutingSink{}
	r := NewRegistry(fetcher, projector, routing, nil, Options{})

	// Before any refresh the fallback is current.
	assert.True(t, r.Snapshot().IsFallback)

	require.NoError(t, r.Refresh(context.Background()))

	snap := r.Snapshot()
	assert.False(t, snap.IsFallback)
	assert.Greater(t, snap.Version, int64(1))
	require.Len(t, snap.Branches, 2)
	assert.Equal(t, "Sucursal Centro", snap.Branches[0].Name)
	assert.Equal(t, []string{"centro", "zócalo"}, snap.Branches[0].Synonyms)
	assert.False(t, snap.Branches[1].Enabled)
	require.Len(t, snap.Products, 1)
	assert.InDelta(t, 350.0, snap.Products[0].Price, 1e-9)
	assert.Equal(t, 48, snap.OrderModifyPolicy.CutoffHours)
	assert.True(t, snap.OrderModifyPolicy.RequiresApproval)

	// Routing pushed to the model registry.
	require.Contains(t, routing.routing, "reply")
	assert.Equal(t, "gpt-4o", routing.routing["reply"].Model)
	assert.Equal(t, "sheet", routing.routing["reply"].Source)
	require.NotNil(t, routing.routing["reply"].Temperature)
	assert.InDelta(t, 0.4, float64(*routing.routing["reply"].Temperature), 1e-6)

	// Projection invalidates the hub source first, then upserts.
	require.Equal(t, []string{SourceConfigHub}, projector.invalidated)
	require.Len(t, projector.upserted, 1)

	docs := projector.upserted[0]
	categories := map[string]int{}
	for _, d := range docs {
		assert.Equal(t, SourceConfigHub, d.Source)
		categories[d.Category]++
	}
	// Only the enabled branch projects; the seasonal canned reply is out of
	// season today.
	assert.Equal(t, 1, categories[CategoryBranchInfo])
	assert.Equal(t, 1, categories[CategoryProduct])
	assert.Equal(t, 1, categories[CategoryCanned])
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{tabs: sampleTabs()}
	r := NewRegistry(fetcher, nil, nil, nil, Options{})
	require.NoError(t, r.Refresh(context.Background()))
	published := r.Snapshot()

	fetcher.err = assert.AnError
	require.Error(t, r.Refresh(context.Background()))
	assert.Same(t, published, r.Snapshot())
}

func TestFallbackSnapshotWithoutFetcher(t *testing.T) {
	r := NewRegistry(nil, nil, nil, nil, Options{})
	require.Error(t, r.Refresh(context.Background()))

	snap := r.Snapshot()
	assert.True(t, snap.IsFallback)
	assert.NotEmpty(t, snap.Canned)
	assert.Equal(t, 24, snap.OrderModifyPolicy.CutoffHours)
}

func TestActiveSeasonAndSeasonalCanned(t *testing.T) {
	now := time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		SeasonRules: []SeasonRule{
			{
				Name:     "reyes",
				StartsAt: time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC),
				EndsAt:   time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC),
				Enabled:  true,
			},
		},
		Canned: []CannedResponse{
			{Trigger: "horario", Response: "Abrimos de 7 a 21.", Enabled: true},
			{Trigger: "rosca", Response: "¡Ya hay rosca!", Season: "reyes", Enabled: true},
			{Trigger: "pan de muerto", Response: "En octubre.", Season: "muertos", Enabled: true},
		},
	}

	season := snap.ActiveSeason(now)
	require.NotNil(t, season)
	assert.Equal(t, "reyes", season.Name)

	active := snap.ActiveCanned(now)
	require.Len(t, active, 2)
	assert.Equal(t, "horario", active[0].Trigger)
	assert.Equal(t, "rosca", active[1].Trigger)

	// Out of season: only the neutral response remains.
	after := snap.ActiveCanned(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, after, 1)
	assert.Equal(t, "horario", after[0].Trigger)
}

func TestParseHelpers(t *testing.T) {
	assert.True(t, parseBool("Sí"))
	assert.True(t, parseBool("1"))
	assert.False(t, parseBool("no"))
	assert.True(t, enabledDefault(""))
	assert.False(t, enabledDefault("false"))
	assert.Equal(t, []string{"a", "b"}, parseList("a, b"))
	assert.Equal(t, []string{"a", "b"}, parseList("a|b"))
	assert.InDelta(t, 1250.5, parseFloat("$1,250.50"), 1e-9)
	assert.Equal(t, 2026, parseDate("2026-01-06").Year())
	assert.Equal(t, 2026, parseDate("06/01/2026").Year())
}
