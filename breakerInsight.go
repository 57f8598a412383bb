package main

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type breakerPriority string

const (
	priorityCritical    breakerPriority = "CRITICAL"
	priorityNonCritical breakerPriority = "NON_CRITICAL"
)

type probeOutcome string

const (
	probeSuccess probeOutcome = "success"
	probeFailure probeOutcome = "failure"
	probeSkipped probeOutcome = "skipped"
)

const (
	fallbackCircuitOpen = "circuit-open"
	topImpactedTenants  = 10
	recoveryScheduled   = "scheduled"
	recoveryIdle        = "idle"
)

// circuitBreakerInsight is never mutated once published, every update
// installs a copy.
type circuitBreakerInsight struct {
	name             string
	priority         breakerPriority
	state            circuitState
	previousState    circuitState
	failureRate      float64
	transitions      map[circuitState]time.Time
	fallbacks        int64
	lastTenant       string
	lastFallbackType string
	lastFallbackMeta map[string]string
	lastFallbackAt   time.Time
	tenantFallbacks  map[string]int64
	recovery         string
	lastProbe        probeOutcome
	lastProbeAt      time.Time
	lastProbeSuccess time.Time
	lastProbeFailure time.Time
	updatedAt        time.Time
}

func newCircuitBreakerInsight(name string, priority breakerPriority) *circuitBreakerInsight {
	return &circuitBreakerInsight{
		name:            name,
		priority:        priority,
		state:           stateClosed,
		previousState:   stateClosed,
		transitions:     map[circuitState]time.Time{},
		tenantFallbacks: map[string]int64{},
		recovery:        recoveryIdle,
	}
}

func (i *circuitBreakerInsight) clone() *circuitBreakerInsight {
	next := *i
	next.transitions = make(map[circuitState]time.Time, len(i.transitions))
	for k, v := range i.transitions {
		next.transitions[k] = v
	}
	next.tenantFallbacks = make(map[string]int64, len(i.tenantFallbacks))
	for k, v := range i.tenantFallbacks {
		next.tenantFallbacks[k] = v
	}
	if i.lastFallbackMeta != nil {
		next.lastFallbackMeta = make(map[string]string, len(i.lastFallbackMeta))
		for k, v := range i.lastFallbackMeta {
			next.lastFallbackMeta[k] = v
		}
	}
	return &next
}

func (i *circuitBreakerInsight) withTransition(t stateTransition) *circuitBreakerInsight {
	next := i.clone()
	next.previousState = t.from
	next.state = t.to
	next.failureRate = t.failureRate
	next.transitions[t.to] = t.at
	next.updatedAt = t.at
	return next
}

func (i *circuitBreakerInsight) withFallback(tenantID string, fallbackType string, metadata map[string]string, at time.Time) *circuitBreakerInsight {
	next := i.clone()
	next.fallbacks++
	next.lastTenant = tenantID
	next.lastFallbackType = fallbackType
	next.lastFallbackMeta = metadata
	next.lastFallbackAt = at
	if tenantID != "" {
		next.tenantFallbacks[tenantID]++
	}
	next.updatedAt = at
	return next
}

func (i *circuitBreakerInsight) withRecovery(recovery string, at time.Time) *circuitBreakerInsight {
	next := i.clone()
	next.recovery = recovery
	next.updatedAt = at
	return next
}

func (i *circuitBreakerInsight) withProbe(outcome probeOutcome, at time.Time) *circuitBreakerInsight {
	next := i.clone()
	next.lastProbe = outcome
	next.lastProbeAt = at
	switch outcome {
	case probeSuccess:
		next.lastProbeSuccess = at
	case probeFailure:
		next.lastProbeFailure = at
	}
	next.updatedAt = at
	return next
}

func (i *circuitBreakerInsight) withPriority(p breakerPriority) *circuitBreakerInsight {
	next := i.clone()
	next.priority = p
	return next
}

// insightStore holds one atomically replaced insight per breaker.
type insightStore struct {
	priorityFor func(name string) breakerPriority
	insights    sync.Map
}

func newInsightStore(priorityFor func(name string) breakerPriority) *insightStore {
	if priorityFor == nil {
		priorityFor = func(string) breakerPriority { return priorityNonCritical }
	}
	return &insightStore{priorityFor: priorityFor}
}

func (s *insightStore) slot(name string) *atomic.Pointer[circuitBreakerInsight] {
	if p, ok := s.insights.Load(name); ok {
		return p.(*atomic.Pointer[circuitBreakerInsight])
	}
	fresh := &atomic.Pointer[circuitBreakerInsight]{}
	fresh.Store(newCircuitBreakerInsight(name, s.priorityFor(name)))
	p, _ := s.insights.LoadOrStore(name, fresh)
	return p.(*atomic.Pointer[circuitBreakerInsight])
}

func (s *insightStore) update(name string, fn func(*circuitBreakerInsight) *circuitBreakerInsight) *circuitBreakerInsight {
	slot := s.slot(name)
	for {
		current := slot.Load()
		next := fn(current)
		if slot.CompareAndSwap(current, next) {
			return next
		}
	}
}

func (s *insightStore) get(name string) (*circuitBreakerInsight, bool) {
	p, ok := s.insights.Load(name)
	if !ok {
		return nil, false
	}
	return p.(*atomic.Pointer[circuitBreakerInsight]).Load(), true
}

func (s *insightStore) all() []*circuitBreakerInsight {
	var insights []*circuitBreakerInsight
	s.insights.Range(func(_, value interface{}) bool {
		insights = append(insights, value.(*atomic.Pointer[circuitBreakerInsight]).Load())
		return true
	})
	sort.Slice(insights, func(i, j int) bool { return insights[i].name < insights[j].name })
	return insights
}

func (s *insightStore) reprioritise() {
	s.insights.Range(func(key, _ interface{}) bool {
		name := key.(string)
		priority := s.priorityFor(name)
		s.update(name, func(i *circuitBreakerInsight) *circuitBreakerInsight {
			if i.priority == priority {
				return i
			}
			return i.withPriority(priority)
		})
		return true
	})
}

type breakerView struct {
	Name             string            `json:"name"`
	Priority         breakerPriority   `json:"priority"`
	State            string            `json:"state"`
	PreviousState    string            `json:"previousState"`
	FailureRate      float64           `json:"failureRate"`
	LastOpenedAt     *time.Time        `json:"lastOpenedAt,omitempty"`
	LastHalfOpenedAt *time.Time        `json:"lastHalfOpenedAt,omitempty"`
	LastClosedAt     *time.Time        `json:"lastClosedAt,omitempty"`
	Fallbacks        int64             `json:"fallbacks"`
	LastTenant       string            `json:"lastTenant,omitempty"`
	LastFallbackType string            `json:"lastFallbackType,omitempty"`
	LastFallbackMeta map[string]string `json:"lastFallbackMetadata,omitempty"`
	Recovery         string            `json:"recovery"`
	LastProbe        probeOutcome      `json:"lastProbe,omitempty"`
	LastProbeSuccess *time.Time        `json:"lastProbeSuccessAt,omitempty"`
	LastProbeFailure *time.Time        `json:"lastProbeFailureAt,omitempty"`
}

type breakerDashboard struct {
	States             map[string]int `json:"states"`
	CriticalDegraded   int            `json:"criticalDegraded"`
	TotalFallbacks     int64          `json:"totalFallbacks"`
	ImpactedTenants    int            `json:"impactedTenants"`
	TopImpactedTenants []tenantImpact `json:"topImpactedTenants"`
	Breakers           []breakerView  `json:"breakers"`
	GeneratedAt        time.Time      `json:"generatedAt"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (i *circuitBreakerInsight) view() breakerView {
	return breakerView{
		Name:             i.name,
		Priority:         i.priority,
		State:            i.state.String(),
		PreviousState:    i.previousState.String(),
		FailureRate:      i.failureRate,
		LastOpenedAt:     optionalTime(i.transitions[stateOpen]),
		LastHalfOpenedAt: optionalTime(i.transitions[stateHalfOpen]),
		LastClosedAt:     optionalTime(i.transitions[stateClosed]),
		Fallbacks:        i.fallbacks,
		LastTenant:       i.lastTenant,
		LastFallbackType: i.lastFallbackType,
		LastFallbackMeta: i.lastFallbackMeta,
		Recovery:         i.recovery,
		LastProbe:        i.lastProbe,
		LastProbeSuccess: optionalTime(i.lastProbeSuccess),
		LastProbeFailure: optionalTime(i.lastProbeFailure),
	}
}

// buildDashboard recomputes every aggregate from the insights it is given.
func buildDashboard(insights []*circuitBreakerInsight, now time.Time) breakerDashboard {
	dashboard := breakerDashboard{
		States: map[string]int{
			stateClosed.String():   0,
			stateOpen.String():     0,
			stateHalfOpen.String(): 0,
		},
		TopImpactedTenants: []tenantImpact{},
		Breakers:           []breakerView{},
		GeneratedAt:        now,
	}

	tenants := map[string]int64{}
	for _, insight := range insights {
		dashboard.States[insight.state.String()]++
		if insight.priority == priorityCritical && insight.state != stateClosed {
			dashboard.CriticalDegraded++
		}
		dashboard.TotalFallbacks += insight.fallbacks
		for tenant, count := range insight.tenantFallbacks {
			tenants[tenant] += count
		}
		dashboard.Breakers = append(dashboard.Breakers, insight.view())
	}

	dashboard.ImpactedTenants = len(tenants)
	for tenant, count := range tenants {
		dashboard.TopImpactedTenants = append(dashboard.TopImpactedTenants, tenantImpact{TenantID: tenant, Fallbacks: count})
	}
	sort.Slice(dashboard.TopImpactedTenants, func(i, j int) bool {
		a, b := dashboard.TopImpactedTenants[i], dashboard.TopImpactedTenants[j]
		if a.Fallbacks != b.Fallbacks {
			return a.Fallbacks > b.Fallbacks
		}
		return a.TenantID < b.TenantID
	})
	if len(dashboard.TopImpactedTenants) > topImpactedTenants {
		dashboard.TopImpactedTenants = dashboard.TopImpactedTenants[:topImpactedTenants]
	}
	return dashboard
}
