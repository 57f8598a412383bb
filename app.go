package main

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
)

const (
	defaultRouteRefreshInterval = 60 * time.Second
	stickySweepInterval         = time.Minute
)

// gatewayDeps are the collaborators of the gateway that live outside it.
type gatewayDeps struct {
	clock         clock.Clock
	repository    routeRepository
	discovery     instanceDiscovery
	preferences   versionPreferenceStore
	transport     http.RoundTripper
	probeClient   httpClient
	preferredZone string
	stickyTTL     time.Duration
	probeInterval time.Duration
	seed          int64
}

// gateway owns every registry of one gateway process, from startup to
// shutdown.
type gateway struct {
	clock       clock.Clock
	config      atomic.Pointer[gatewayConfig]
	repository  routeRepository
	static      *staticDiscovery
	discovery   instanceDiscovery
	migrations  *tenantMigrations
	sticky      *stickyTable
	insights    *insightStore
	breakers    *breakerRegistry
	coordinator *breakerCoordinator
	splits      *trafficSplitEngine
	controller  *gatewayController
	wg          sync.WaitGroup
}

func newGateway(cfg gatewayConfig, deps gatewayDeps) (*gateway, error) {
	if deps.clock == nil {
		deps.clock = clock.New()
	}
	if deps.preferences == nil {
		deps.preferences = newInMemoryPreferenceStore()
	}
	if deps.transport == nil {
		deps.transport = http.DefaultTransport
	}
	if deps.probeClient == nil {
		deps.probeClient = newHTTPClient(defaultHealthTimeout)
	}
	if deps.repository == nil {
		deps.repository = newStaticRouteRepository(cfg.StaticRoutes)
	}

	g := &gateway{clock: deps.clock, repository: deps.repository}
	g.config.Store(&cfg)

	random := newWeightedRandom(deps.seed)
	g.static = newStaticDiscovery(cfg.staticInstances())
	g.discovery = &compositeDiscovery{static: g.static, fallback: deps.discovery}
	g.migrations = newTenantMigrations(cfg.TenantMigrations)
	g.sticky = newStickyTable(deps.clock, deps.stickyTTL)

	g.insights = newInsightStore(func(name string) breakerPriority {
		if p, ok := g.config.Load().breakerPriorities()[name]; ok {
			return p
		}
		return priorityNonCritical
	})
	g.breakers = newBreakerRegistry(deps.clock, func(name string) breakerSettings {
		return g.config.Load().breakerSettingsFor(name)
	})
	g.coordinator = newBreakerCoordinator(deps.clock, g.breakers, g.insights, deps.probeClient, deps.probeInterval, cfg.healthEndpoints())

	g.splits = newTrafficSplitEngine(deps.repository, random)
	guard := newCanaryGuard(deps.clock, deps.repository, func(ctx context.Context, routeID string) {
		if err := g.rebuildRoutes(ctx); err != nil {
			log.WithError(err).Errorf("Cannot rebuild routing table after rollback of route %s", routeID)
		}
	})

	resolver := newVersionResolver(deps.preferences, random)
	if err := resolver.reload(cfg); err != nil {
		return nil, err
	}

	health := newInstanceHealthAggregator(deps.clock)
	g.controller = &gatewayController{
		clock:       deps.clock,
		resolver:    resolver,
		splits:      g.splits,
		guard:       guard,
		balancers:   newLoadBalancerRegistry(g.discovery, health, g.sticky, g.migrations, random, deps.preferredZone),
		health:      health,
		breakers:    g.breakers,
		coordinator: g.coordinator,
		transport:   deps.transport,
	}
	return g, nil
}

// applyConfig swaps in a new configuration document. Version mappings are
// compiled first so a broken document changes nothing.
func (g *gateway) applyConfig(ctx context.Context, cfg gatewayConfig) error {
	if err := g.controller.resolver.reload(cfg); err != nil {
		return err
	}
	g.config.Store(&cfg)
	g.static.replace(cfg.staticInstances())
	g.migrations.replace(cfg.TenantMigrations)
	g.coordinator.updateEndpoints(cfg.healthEndpoints())
	g.breakers.refreshSettings()
	g.insights.reprioritise()

	if static, ok := g.repository.(*staticRouteRepository); ok {
		static.replace(cfg.StaticRoutes)
		return g.rebuildRoutes(ctx)
	}
	return nil
}

// start builds the first routing table and launches the background loops.
func (g *gateway) start(ctx context.Context, refreshInterval time.Duration) {
	if err := g.rebuildRoutes(ctx); err != nil {
		log.WithError(err).Error("Cannot build the initial routing table")
	}

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.coordinator.run(ctx)
	}()
	go func() {
		defer g.wg.Done()
		g.maintain(ctx, refreshInterval)
	}()
}

func (g *gateway) maintain(ctx context.Context, refreshInterval time.Duration) {
	if refreshInterval <= 0 {
		refreshInterval = defaultRouteRefreshInterval
	}
	refresh := g.clock.Ticker(refreshInterval)
	sweep := g.clock.Ticker(stickySweepInterval)
	defer refresh.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if err := g.rebuildRoutes(ctx); err != nil {
				log.WithError(err).Warn("Periodic routing table refresh failed, keeping the current table")
			}
		case <-sweep.C:
			if removed := g.sticky.sweep(); removed > 0 {
				log.Debugf("Swept %d expired sticky sessions", removed)
			}
		}
	}
}

// rebuildRoutes installs a fresh routing table and drops the breakers of
// services no route targets anymore.
func (g *gateway) rebuildRoutes(ctx context.Context) error {
	if err := g.splits.rebuild(ctx); err != nil {
		return err
	}
	for _, name := range g.breakers.retain(g.splits.targetServices()) {
		log.Infof("Circuit breaker %s removed, no route targets it anymore", name)
	}
	return nil
}

func (g *gateway) refreshRoutes(ctx context.Context) {
	if err := g.rebuildRoutes(ctx); err != nil {
		log.WithError(err).Warn("Routing table refresh failed, keeping the current table")
	}
}

func (g *gateway) wait() {
	g.wg.Wait()
	g.coordinator.wait()
}
