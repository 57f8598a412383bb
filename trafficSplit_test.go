package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitRoute(id string, splits ...trafficSplit) routeDefinition {
	return routeDefinition{
		ID:       id,
		URI:      "lb://content-api",
		Path:     "/" + id + "/**",
		Filters:  []string{"StripPrefix=1"},
		Order:    1,
		Metadata: routeMetadata{TrafficSplits: splits},
	}
}

func installedVariants(engine *trafficSplitEngine, routeID string) []weightedRoute {
	for _, entry := range engine.table.Load().entries {
		if entry.definition.ID == routeID {
			return entry.variants
		}
	}
	return nil
}

func TestExpandRouteWithoutSplits(t *testing.T) {
	def := routeDefinition{ID: "lists", URI: "http://lists:8080", Path: "/lists/**", Order: 3}

	routes, err := expandRoute(def)

	require.NoError(t, err)
	expected := []weightedRoute{{
		id:       "lists",
		parentID: "lists",
		uri:      "http://lists:8080",
		path:     "/lists/**",
		order:    3,
		weight:   100,
	}}
	if diff := cmp.Diff(expected, routes, cmp.AllowUnexported(weightedRoute{})); diff != "" {
		t.Errorf("unexpected expansion (-want +got):\n%s", diff)
	}
}

func TestExpandRouteWithSplits(t *testing.T) {
	def := splitRoute("content",
		trafficSplit{VariantID: "Primary", Percentage: 90},
		trafficSplit{VariantID: " Canary ", Percentage: 10, URI: "lb://content-api-next"},
	)

	routes, err := expandRoute(def)

	require.NoError(t, err)
	expected := []weightedRoute{
		{
			id:        "content-primary",
			parentID:  "content",
			variantID: "primary",
			uri:       "lb://content-api",
			path:      "/content/**",
			filters:   []string{"StripPrefix=1"},
			order:     1,
			group:     "content",
			weight:    90,
		},
		{
			id:        "content-canary",
			parentID:  "content",
			variantID: "canary",
			uri:       "lb://content-api-next",
			path:      "/content/**",
			filters:   []string{"StripPrefix=1"},
			order:     1,
			group:     "content",
			weight:    10,
			canary:    true,
		},
	}
	if diff := cmp.Diff(expected, routes, cmp.AllowUnexported(weightedRoute{})); diff != "" {
		t.Errorf("unexpected expansion (-want +got):\n%s", diff)
	}
}

func TestValidateRouteRejections(t *testing.T) {
	var tests = []struct {
		name string
		def  routeDefinition
	}{
		{"missing id", routeDefinition{URI: "lb://a", Path: "/a"}},
		{"missing path", routeDefinition{ID: "a", URI: "lb://a"}},
		{"missing uri", routeDefinition{ID: "a", Path: "/a"}},
		{"unknown filter", routeDefinition{ID: "a", URI: "lb://a", Path: "/a", Filters: []string{"Retry=2"}}},
		{"percentages do not add up", splitRoute("a", trafficSplit{VariantID: "x", Percentage: 50}, trafficSplit{VariantID: "y", Percentage: 40})},
		{"non positive percentage", splitRoute("a", trafficSplit{VariantID: "x", Percentage: 100}, trafficSplit{VariantID: "y", Percentage: 0})},
		{"duplicate variant", splitRoute("a", trafficSplit{VariantID: "x", Percentage: 50}, trafficSplit{VariantID: "X", Percentage: 50})},
		{"empty variant", splitRoute("a", trafficSplit{VariantID: "--", Percentage: 100})},
		{"variant without uri", routeDefinition{ID: "a", Path: "/a", Metadata: routeMetadata{TrafficSplits: []trafficSplit{{VariantID: "x", Percentage: 100}}}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, validateRoute(tc.def))
		})
	}
}

func TestValidateRouteCollectsEveryProblem(t *testing.T) {
	def := splitRoute("a", trafficSplit{VariantID: "x", Percentage: -1}, trafficSplit{VariantID: "x", Percentage: 20})

	err := validateRoute(def)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate variant x")
	assert.Contains(t, err.Error(), "non-positive percentage")
	assert.Contains(t, err.Error(), "sum to 19")
}

func TestNormalizeVariantID(t *testing.T) {
	assert.Equal(t, "blue-green", normalizeVariantID(" Blue Green! "))
	assert.Equal(t, "canary", normalizeVariantID("CANARY"))
	assert.Equal(t, "", normalizeVariantID("***"))
}

func TestTrafficSplitEngineRebuild(t *testing.T) {
	repository := newStaticRouteRepository([]routeDefinition{
		splitRoute("content", trafficSplit{VariantID: "primary", Percentage: 90}, trafficSplit{VariantID: "canary", Percentage: 10}),
		{ID: "broken", URI: "lb://x", Path: "/broken", Filters: []string{"Nope"}},
		{ID: "catch-all", URI: "http://fallback:8080", Path: "/**", Order: 100},
	})
	engine := newTrafficSplitEngine(repository, newWeightedRandom(1))

	require.NoError(t, engine.rebuild(context.Background()))

	entry, _, found := engine.match(httptest.NewRequest(http.MethodGet, "/content/42", nil))
	require.True(t, found)
	assert.Equal(t, "content", entry.definition.ID)

	entry, _, found = engine.match(httptest.NewRequest(http.MethodGet, "/anything", nil))
	require.True(t, found)
	assert.Equal(t, "catch-all", entry.definition.ID)

	assert.Nil(t, installedVariants(engine, "broken"), "invalid definitions are rejected")
	assert.Len(t, installedVariants(engine, "content"), 2)
	assert.Equal(t, map[string]bool{"content-api": true, "fallback": true}, engine.targetServices())

	reg, ok := engine.registration("content-canary")
	require.True(t, ok)
	assert.Equal(t, variantRegistration{routeID: "content", variantID: "canary", canary: true, percentage: 10}, reg)

	_, ok = engine.registration("catch-all")
	assert.False(t, ok, "unsplit routes are not registered as variants")
}

type failingRouteRepository struct {
	staticRouteRepository
}

func (f *failingRouteRepository) getActiveRoutes(context.Context) ([]routeDefinition, error) {
	return nil, errors.New("store unavailable")
}

func TestTrafficSplitEngineKeepsTableWhenRepositoryFails(t *testing.T) {
	engine := newTrafficSplitEngine(newStaticRouteRepository(nil), newWeightedRandom(1))
	engine.install([]routeDefinition{{ID: "lists", URI: "http://lists", Path: "/lists"}})

	engine.repository = &failingRouteRepository{}
	assert.Error(t, engine.rebuild(context.Background()))

	_, _, found := engine.match(httptest.NewRequest(http.MethodGet, "/lists", nil))
	assert.True(t, found)
}

func TestSelectVariantFollowsPercentages(t *testing.T) {
	engine := newTrafficSplitEngine(newStaticRouteRepository(nil), newWeightedRandom(7))
	engine.install([]routeDefinition{
		splitRoute("content", trafficSplit{VariantID: "primary", Percentage: 80}, trafficSplit{VariantID: "canary", Percentage: 20}),
	})
	entry, _, found := engine.match(httptest.NewRequest(http.MethodGet, "/content/1", nil))
	require.True(t, found)

	counts := map[string]int{}
	for i := 0; i < 5000; i++ {
		counts[engine.selectVariant(entry).variantID]++
	}

	assert.InDelta(t, 4000, counts["primary"], 250)
	assert.InDelta(t, 1000, counts["canary"], 250)
}

func TestVariantOutcomesAndConversions(t *testing.T) {
	engine := newTrafficSplitEngine(newStaticRouteRepository(nil), newWeightedRandom(1))
	engine.install([]routeDefinition{
		splitRoute("content", trafficSplit{VariantID: "a", Percentage: 50}, trafficSplit{VariantID: "b", Percentage: 50}),
	})

	engine.recordOutcome("content-a", http.StatusOK)
	engine.recordOutcome("content-a", http.StatusNotFound)
	engine.recordOutcome("content-a", http.StatusBadGateway)
	engine.recordOutcome("unknown", http.StatusOK)
	require.NoError(t, engine.recordConversion("content-b"))

	err := engine.recordConversion("unknown")
	assert.True(t, errors.Is(err, errVariantNotFound))

	stats := engine.stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "content-a", stats[0].ID)
	assert.Equal(t, int64(3), stats[0].Requests)
	assert.Equal(t, int64(2), stats[0].Successes)
	assert.Equal(t, int64(1), stats[0].Errors)
	assert.Equal(t, int64(1), stats[1].Conversions)
}

func TestRebuildDropsMetricsOfRemovedVariants(t *testing.T) {
	engine := newTrafficSplitEngine(newStaticRouteRepository(nil), newWeightedRandom(1))
	engine.install([]routeDefinition{
		splitRoute("content", trafficSplit{VariantID: "a", Percentage: 50}, trafficSplit{VariantID: "b", Percentage: 50}),
	})
	engine.recordOutcome("content-b", http.StatusOK)

	engine.install([]routeDefinition{
		splitRoute("content", trafficSplit{VariantID: "a", Percentage: 100}),
	})

	_, tracked := engine.metrics.Load("content-b")
	assert.False(t, tracked)
	assert.Len(t, engine.stats(), 1)
}
