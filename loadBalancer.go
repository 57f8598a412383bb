package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

const (
	defaultStickyTTL  = 5 * time.Minute
	weightScale       = 1000
	headerTenantID    = "X-Tenant-Id"
	headerHandshakeID = "X-Handshake-Id"
)

var errNoAvailableInstance = errors.New("no available instance")

type instanceDiscovery interface {
	getInstances(ctx context.Context, service string) ([]serviceInstance, error)
}

type lbRequest struct {
	service   string
	tenantID  string
	stickyKey string
}

// instanceFilter narrows the candidates, instanceSelector picks one of them.
// Both chains run as a simple fold in declaration order.
type instanceFilter func(candidates []serviceInstance, req lbRequest) []serviceInstance

type instanceSelector func(candidates []serviceInstance, req lbRequest) (serviceInstance, bool)

func availabilityFilter(candidates []serviceInstance, _ lbRequest) []serviceInstance {
	available := make([]serviceInstance, 0, len(candidates))
	for _, c := range candidates {
		if c.isUp() {
			available = append(available, c)
		}
	}
	return available
}

// zonePreferenceFilter keeps same-zone instances, unless that would leave no
// candidate at all.
func zonePreferenceFilter(zone string) instanceFilter {
	return func(candidates []serviceInstance, _ lbRequest) []serviceInstance {
		if zone == "" {
			return candidates
		}
		sameZone := make([]serviceInstance, 0, len(candidates))
		for _, c := range candidates {
			if strings.EqualFold(c.zone, zone) {
				sameZone = append(sameZone, c)
			}
		}
		if len(sameZone) == 0 {
			return candidates
		}
		return sameZone
	}
}

// tenantAffinitySelector uses rendezvous hashing so a tenant keeps landing on
// the same instance for a given candidate set, independent of list order.
func tenantAffinitySelector(candidates []serviceInstance, req lbRequest) (serviceInstance, bool) {
	if req.tenantID == "" || len(candidates) == 0 {
		return serviceInstance{}, false
	}

	var chosen serviceInstance
	var best uint64
	for i, c := range candidates {
		score := xxhash.Sum64String(req.tenantID + "|" + c.id)
		if i == 0 || score > best || (score == best && c.id < chosen.id) {
			chosen = c
			best = score
		}
	}
	return chosen, true
}

func weightedSelector(health *instanceHealthAggregator, random *weightedRandom) instanceSelector {
	return func(candidates []serviceInstance, req lbRequest) (serviceInstance, bool) {
		return pickWeighted(candidates, func(c serviceInstance) int {
			return int(math.Round(health.weight(c.service, c.id) * weightScale))
		}, random.intn)
	}
}

type stickyEntry struct {
	instanceID string
	expiresAt  time.Time
}

// stickyTable pins handshake keys to instances. Entries slide on every hit and
// expire after ttl of inactivity.
type stickyTable struct {
	clock   clock.Clock
	ttl     time.Duration
	entries sync.Map
}

func newStickyTable(c clock.Clock, ttl time.Duration) *stickyTable {
	if ttl <= 0 {
		ttl = defaultStickyTTL
	}
	return &stickyTable{clock: c, ttl: ttl}
}

func (t *stickyTable) lookup(key string) (string, bool) {
	v, ok := t.entries.Load(key)
	if !ok {
		return "", false
	}
	entry := v.(stickyEntry)
	now := t.clock.Now()
	if !now.Before(entry.expiresAt) {
		t.entries.CompareAndDelete(key, entry)
		return "", false
	}
	t.entries.CompareAndSwap(key, entry, stickyEntry{instanceID: entry.instanceID, expiresAt: now.Add(t.ttl)})
	return entry.instanceID, true
}

func (t *stickyTable) bind(key string, instanceID string) {
	t.entries.Store(key, stickyEntry{instanceID: instanceID, expiresAt: t.clock.Now().Add(t.ttl)})
}

func (t *stickyTable) sweep() int {
	now := t.clock.Now()
	removed := 0
	t.entries.Range(func(key, value interface{}) bool {
		if !now.Before(value.(stickyEntry).expiresAt) && t.entries.CompareAndDelete(key, value) {
			removed++
		}
		return true
	})
	return removed
}

// tenantMigrations redirects migrated tenants of a logical service to an
// alternate target service.
type tenantMigrations struct {
	table atomic.Value
}

func newTenantMigrations(m map[string]map[string]string) *tenantMigrations {
	t := &tenantMigrations{}
	t.replace(m)
	return t
}

func (t *tenantMigrations) replace(m map[string]map[string]string) {
	copied := make(map[string]map[string]string, len(m))
	for service, tenants := range m {
		copied[service] = make(map[string]string, len(tenants))
		for tenant, target := range tenants {
			copied[service][tenant] = target
		}
	}
	t.table.Store(copied)
}

func (t *tenantMigrations) target(service string, tenantID string) (string, bool) {
	if tenantID == "" {
		return "", false
	}
	target, ok := t.table.Load().(map[string]map[string]string)[service][tenantID]
	return target, ok && target != ""
}

type loadBalancer struct {
	service    string
	discovery  instanceDiscovery
	health     *instanceHealthAggregator
	filters    []instanceFilter
	selectors  []instanceSelector
	sticky     *stickyTable
	migrations *tenantMigrations
}

// choose runs discovery, the filter chain and the selector chain for one
// request. Sticky requests reuse their pinned instance while it stays UP.
func (lb *loadBalancer) choose(ctx context.Context, req lbRequest) (serviceInstance, error) {
	target := lb.service
	if alternate, ok := lb.migrations.target(lb.service, req.tenantID); ok {
		log.Debugf("Tenant %s of service %s is migrated to %s", req.tenantID, lb.service, alternate)
		target = alternate
	}

	instances, err := lb.discovery.getInstances(ctx, target)
	if err != nil {
		return serviceInstance{}, fmt.Errorf("cannot discover instances of service %s: %w", target, err)
	}
	for _, i := range instances {
		lb.health.observe(i)
	}
	lb.health.retain(target, instances)

	if req.stickyKey != "" {
		if id, ok := lb.sticky.lookup(req.stickyKey); ok {
			for _, i := range instances {
				if i.id == id && i.isUp() {
					return i, nil
				}
			}
		}
	}

	candidates := instances
	for _, filter := range lb.filters {
		candidates = filter(candidates, req)
	}
	if len(candidates) == 0 {
		return serviceInstance{}, fmt.Errorf("%w for service %s", errNoAvailableInstance, target)
	}

	for _, selector := range lb.selectors {
		if chosen, ok := selector(candidates, req); ok {
			if req.stickyKey != "" {
				lb.sticky.bind(req.stickyKey, chosen.id)
			}
			return chosen, nil
		}
	}

	return serviceInstance{}, fmt.Errorf("%w for service %s", errNoAvailableInstance, target)
}

// loadBalancerRegistry hands out one balancer per logical service.
type loadBalancerRegistry struct {
	balancers sync.Map
	factory   func(service string) *loadBalancer
}

func newLoadBalancerRegistry(discovery instanceDiscovery, health *instanceHealthAggregator, sticky *stickyTable, migrations *tenantMigrations, random *weightedRandom, preferredZone string) *loadBalancerRegistry {
	return &loadBalancerRegistry{
		factory: func(service string) *loadBalancer {
			return &loadBalancer{
				service:    service,
				discovery:  discovery,
				health:     health,
				filters:    []instanceFilter{availabilityFilter, zonePreferenceFilter(preferredZone)},
				selectors:  []instanceSelector{tenantAffinitySelector, weightedSelector(health, random)},
				sticky:     sticky,
				migrations: migrations,
			}
		},
	}
}

func (r *loadBalancerRegistry) get(service string) *loadBalancer {
	if lb, ok := r.balancers.Load(service); ok {
		return lb.(*loadBalancer)
	}
	lb, _ := r.balancers.LoadOrStore(service, r.factory(service))
	return lb.(*loadBalancer)
}

func isWebSocketHandshake(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// stickyKeyFor derives the stickiness key of a handshake request, or "" for
// ordinary requests.
func stickyKeyFor(r *http.Request, service string) string {
	if !isWebSocketHandshake(r) {
		return ""
	}
	id := r.Header.Get(headerHandshakeID)
	if id == "" {
		id = r.Header.Get("Sec-WebSocket-Key")
	}
	if id == "" {
		return ""
	}
	return service + "|" + id
}

type staticDiscovery struct {
	instances atomic.Value
}

func newStaticDiscovery(instances map[string][]serviceInstance) *staticDiscovery {
	d := &staticDiscovery{}
	d.instances.Store(instances)
	return d
}

func (d *staticDiscovery) replace(instances map[string][]serviceInstance) {
	d.instances.Store(instances)
}

func (d *staticDiscovery) getInstances(_ context.Context, service string) ([]serviceInstance, error) {
	instances := d.instances.Load().(map[string][]serviceInstance)[service]
	result := make([]serviceInstance, len(instances))
	copy(result, instances)
	return result, nil
}
