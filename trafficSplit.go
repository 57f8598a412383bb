package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/Financial-Times/go-logger"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
)

const canaryVariantID = "canary"

var (
	errRouteNotFound   = errors.New("route not found")
	errVariantNotFound = errors.New("variant not found")
)

var variantIDCleanup = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeVariantID(variantID string) string {
	return strings.Trim(variantIDCleanup.ReplaceAllString(strings.ToLower(variantID), "-"), "-")
}

// validateRoute rejects the whole definition on the first pass, collecting
// every problem so an operator can fix them in one go.
func validateRoute(def routeDefinition) error {
	var result error

	if def.ID == "" {
		result = multierror.Append(result, fmt.Errorf("route id is missing"))
	}
	if def.Path == "" && !hasPathPredicate(def.Predicates) {
		result = multierror.Append(result, fmt.Errorf("route %s: path pattern is missing", def.ID))
	}
	if err := validateFilters(def.Filters); err != nil {
		result = multierror.Append(result, fmt.Errorf("route %s: %w", def.ID, err))
	}

	splits := def.Metadata.TrafficSplits
	if len(splits) == 0 {
		if def.URI == "" {
			result = multierror.Append(result, fmt.Errorf("route %s: uri is missing", def.ID))
		}
		return result
	}

	total := 0
	seen := map[string]bool{}
	for _, split := range splits {
		variant := normalizeVariantID(split.VariantID)
		if variant == "" {
			result = multierror.Append(result, fmt.Errorf("route %s: traffic split without a variant id", def.ID))
		} else if seen[variant] {
			result = multierror.Append(result, fmt.Errorf("route %s: duplicate variant %s", def.ID, variant))
		}
		seen[variant] = true

		if split.Percentage <= 0 {
			result = multierror.Append(result, fmt.Errorf("route %s: variant %s has non-positive percentage %d", def.ID, split.VariantID, split.Percentage))
		}
		if split.URI == "" && def.URI == "" {
			result = multierror.Append(result, fmt.Errorf("route %s: variant %s has no uri to use or inherit", def.ID, split.VariantID))
		}
		total += split.Percentage
	}

	if total != 100 {
		result = multierror.Append(result, fmt.Errorf("route %s: traffic split percentages sum to %d, expected 100", def.ID, total))
	}

	return result
}

func hasPathPredicate(predicates []string) bool {
	for _, p := range predicates {
		if name, _ := splitDirective(p); name == predicatePath {
			return true
		}
	}
	return false
}

// expandRoute turns a definition into its concrete weighted siblings.
func expandRoute(def routeDefinition) ([]weightedRoute, error) {
	if err := validateRoute(def); err != nil {
		return nil, err
	}

	if len(def.Metadata.TrafficSplits) == 0 {
		return []weightedRoute{{
			id:         def.ID,
			parentID:   def.ID,
			uri:        def.URI,
			path:       def.Path,
			predicates: def.Predicates,
			filters:    def.Filters,
			order:      def.Order,
			weight:     100,
		}}, nil
	}

	routes := make([]weightedRoute, 0, len(def.Metadata.TrafficSplits))
	for _, split := range def.Metadata.TrafficSplits {
		variant := normalizeVariantID(split.VariantID)
		uri := split.URI
		if uri == "" {
			uri = def.URI
		}
		routes = append(routes, weightedRoute{
			id:         def.ID + "-" + variant,
			parentID:   def.ID,
			variantID:  variant,
			uri:        uri,
			path:       def.Path,
			predicates: def.Predicates,
			filters:    def.Filters,
			order:      def.Order,
			group:      def.ID,
			weight:     split.Percentage,
			canary:     variant == canaryVariantID,
		})
	}
	return routes, nil
}

type routeEntry struct {
	definition routeDefinition
	matcher    *mux.Route
	variants   []weightedRoute
}

// routingTable is an immutable snapshot, replaced wholesale on every rebuild.
type routingTable struct {
	entries       []routeEntry
	registrations map[string]variantRegistration
}

type variantMetrics struct {
	requests    atomic.Int64
	successes   atomic.Int64
	errors      atomic.Int64
	conversions atomic.Int64
}

type variantStats struct {
	ID              string  `json:"id"`
	RouteID         string  `json:"routeId"`
	VariantID       string  `json:"variantId"`
	Canary          bool    `json:"canary"`
	Percentage      int     `json:"percentage"`
	Requests        int64   `json:"requests"`
	Successes       int64   `json:"successes"`
	Errors          int64   `json:"errors"`
	Conversions     int64   `json:"conversions"`
	WindowErrorRate float64 `json:"windowErrorRate,omitempty"`
	WindowSamples   int     `json:"windowSamples,omitempty"`
}

type trafficSplitEngine struct {
	repository routeRepository
	random     *weightedRandom
	table      atomic.Pointer[routingTable]
	metrics    sync.Map
	rebuildMu  sync.Mutex
}

func newTrafficSplitEngine(repository routeRepository, random *weightedRandom) *trafficSplitEngine {
	e := &trafficSplitEngine{repository: repository, random: random}
	e.table.Store(&routingTable{registrations: map[string]variantRegistration{}})
	return e
}

// rebuild reads the active routes and installs a new routing table. When the
// repository cannot be read the previous table keeps serving.
func (e *trafficSplitEngine) rebuild(ctx context.Context) error {
	definitions, err := e.repository.getActiveRoutes(ctx)
	if err != nil {
		return fmt.Errorf("cannot read active routes: %w", err)
	}

	rejected := e.install(definitions)
	log.Infof("Routing table rebuilt: %d routes read, %d rejected", len(definitions), rejected)
	return nil
}

func (e *trafficSplitEngine) install(definitions []routeDefinition) int {
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	table := &routingTable{registrations: map[string]variantRegistration{}}
	rejected := 0

	for _, def := range definitions {
		variants, err := expandRoute(def)
		if err != nil {
			rejected++
			log.WithError(err).Errorf("Rejecting route definition %s", def.ID)
			continue
		}
		matcher, err := newRouteMatcher(def.Path, def.Predicates)
		if err != nil {
			rejected++
			log.WithError(err).Errorf("Rejecting route definition %s", def.ID)
			continue
		}

		table.entries = append(table.entries, routeEntry{definition: def, matcher: matcher, variants: variants})
		for _, v := range variants {
			if v.group == "" {
				continue
			}
			table.registrations[v.id] = variantRegistration{
				routeID:    v.parentID,
				variantID:  v.variantID,
				canary:     v.canary,
				percentage: v.weight,
			}
		}
	}

	sort.SliceStable(table.entries, func(i, j int) bool {
		if table.entries[i].definition.Order != table.entries[j].definition.Order {
			return table.entries[i].definition.Order < table.entries[j].definition.Order
		}
		return table.entries[i].definition.ID < table.entries[j].definition.ID
	})

	e.metrics.Range(func(key, _ interface{}) bool {
		if _, ok := table.registrations[key.(string)]; !ok {
			e.metrics.Delete(key)
		}
		return true
	})

	e.table.Store(table)
	return rejected
}

func (e *trafficSplitEngine) match(req *http.Request) (routeEntry, map[string]string, bool) {
	for _, entry := range e.table.Load().entries {
		var routeMatch mux.RouteMatch
		if entry.matcher.Match(req, &routeMatch) {
			return entry, routeMatch.Vars, true
		}
	}
	return routeEntry{}, nil, false
}

func (e *trafficSplitEngine) selectVariant(entry routeEntry) weightedRoute {
	chosen, _ := pickWeighted(entry.variants, func(r weightedRoute) int { return r.weight }, e.random.intn)
	return chosen
}

// variants returns the current expansion of a route, used by callers that need
// to inspect what a definition turned into.
// targetServices lists the services the installed table sends traffic to.
func (e *trafficSplitEngine) targetServices() map[string]bool {
	services := make(map[string]bool)
	for _, entry := range e.table.Load().entries {
		for _, v := range entry.variants {
			target, err := parseTargetURI(v.uri)
			if err != nil {
				continue
			}
			services[target.service] = true
		}
	}
	return services
}

func (e *trafficSplitEngine) registration(variantRouteID string) (variantRegistration, bool) {
	reg, ok := e.table.Load().registrations[variantRouteID]
	return reg, ok
}

func (e *trafficSplitEngine) metricsFor(variantRouteID string) *variantMetrics {
	m, _ := e.metrics.LoadOrStore(variantRouteID, &variantMetrics{})
	return m.(*variantMetrics)
}

func (e *trafficSplitEngine) recordOutcome(variantRouteID string, status int) {
	if _, ok := e.registration(variantRouteID); !ok {
		return
	}
	m := e.metricsFor(variantRouteID)
	m.requests.Add(1)
	if status < http.StatusInternalServerError {
		m.successes.Add(1)
	} else {
		m.errors.Add(1)
	}
}

func (e *trafficSplitEngine) recordConversion(variantRouteID string) error {
	if _, ok := e.registration(variantRouteID); !ok {
		return fmt.Errorf("%w: %s", errVariantNotFound, variantRouteID)
	}
	e.metricsFor(variantRouteID).conversions.Add(1)
	return nil
}

func (e *trafficSplitEngine) stats() []variantStats {
	table := e.table.Load()
	stats := make([]variantStats, 0, len(table.registrations))
	for id, reg := range table.registrations {
		m := e.metricsFor(id)
		stats = append(stats, variantStats{
			ID:          id,
			RouteID:     reg.routeID,
			VariantID:   reg.variantID,
			Canary:      reg.canary,
			Percentage:  reg.percentage,
			Requests:    m.requests.Load(),
			Successes:   m.successes.Load(),
			Errors:      m.errors.Load(),
			Conversions: m.conversions.Load(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}
