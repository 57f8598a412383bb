package main

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	weightFloor           = 0.01
	referenceLatencyMs    = 100.0
	responseTimeSmoothing = 0.3
	defaultHealthScore    = 1.0
)

// instanceState is immutable, every update installs a new value.
type instanceState struct {
	service         string
	instanceID      string
	zone            string
	healthScore     float64
	avgResponseTime float64
	weight          float64
	updatedAt       time.Time
}

// effectiveWeight grows with the health score and shrinks with latency, never
// dropping under weightFloor.
func effectiveWeight(healthScore float64, responseTimeMs float64) float64 {
	if responseTimeMs < 0 {
		responseTimeMs = 0
	}
	w := clamp01(healthScore) * referenceLatencyMs / (referenceLatencyMs + responseTimeMs)
	return math.Max(weightFloor, w)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func smooth(previous float64, observed float64, seen bool) float64 {
	if !seen {
		return observed
	}
	return previous + responseTimeSmoothing*(observed-previous)
}

type instanceHealthAggregator struct {
	clock  clock.Clock
	states sync.Map
}

func newInstanceHealthAggregator(c clock.Clock) *instanceHealthAggregator {
	return &instanceHealthAggregator{clock: c}
}

func instanceKey(service string, instanceID string) string {
	return service + "/" + instanceID
}

func (a *instanceHealthAggregator) cell(service string, instanceID string) *atomic.Pointer[instanceState] {
	c, _ := a.states.LoadOrStore(instanceKey(service, instanceID), &atomic.Pointer[instanceState]{})
	return c.(*atomic.Pointer[instanceState])
}

// update applies next to the current state with a compare-and-swap loop.
func (a *instanceHealthAggregator) update(service string, instanceID string, next func(current instanceState, seen bool) instanceState) instanceState {
	cell := a.cell(service, instanceID)
	for {
		current := cell.Load()
		var base instanceState
		seen := current != nil
		if seen {
			base = *current
		} else {
			base = instanceState{service: service, instanceID: instanceID, healthScore: defaultHealthScore}
		}

		updated := next(base, seen)
		updated.weight = effectiveWeight(updated.healthScore, updated.avgResponseTime)
		updated.updatedAt = a.clock.Now()

		if cell.CompareAndSwap(current, &updated) {
			return updated
		}
	}
}

// observe blends an instance's self-reported metadata into its state.
func (a *instanceHealthAggregator) observe(instance serviceInstance) instanceState {
	return a.update(instance.service, instance.id, func(s instanceState, seen bool) instanceState {
		if instance.zone != "" {
			s.zone = instance.zone
		}
		score := defaultHealthScore
		if raw, ok := instance.metadata[metadataHealthScore]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				score = clamp01(parsed)
			}
		}
		if !instance.isUp() {
			score = 0
		}
		s.healthScore = score
		if raw, ok := instance.metadata[metadataResponseTime]; ok {
			if rt, err := strconv.ParseFloat(raw, 64); err == nil && rt >= 0 {
				s.avgResponseTime = smooth(s.avgResponseTime, rt, seen && s.avgResponseTime > 0)
			}
		}
		return s
	})
}

func (a *instanceHealthAggregator) recordResponseTime(service string, instanceID string, elapsed time.Duration) instanceState {
	observed := float64(elapsed) / float64(time.Millisecond)
	return a.update(service, instanceID, func(s instanceState, seen bool) instanceState {
		s.avgResponseTime = smooth(s.avgResponseTime, observed, seen && s.avgResponseTime > 0)
		return s
	})
}

func (a *instanceHealthAggregator) state(service string, instanceID string) (instanceState, bool) {
	c, ok := a.states.Load(instanceKey(service, instanceID))
	if !ok {
		return instanceState{}, false
	}
	s := c.(*atomic.Pointer[instanceState]).Load()
	if s == nil {
		return instanceState{}, false
	}
	return *s, true
}

func (a *instanceHealthAggregator) weight(service string, instanceID string) float64 {
	if s, ok := a.state(service, instanceID); ok {
		return s.weight
	}
	return effectiveWeight(defaultHealthScore, 0)
}

// retain forgets the instances of a service that discovery no longer lists.
func (a *instanceHealthAggregator) retain(service string, instances []serviceInstance) {
	active := make(map[string]bool, len(instances))
	for _, i := range instances {
		active[instanceKey(service, i.id)] = true
	}
	prefix := service + "/"
	a.states.Range(func(key, _ interface{}) bool {
		k := key.(string)
		if strings.HasPrefix(k, prefix) && !active[k] {
			a.states.Delete(k)
		}
		return true
	})
}

func (a *instanceHealthAggregator) snapshot(service string) []instanceState {
	var states []instanceState
	a.states.Range(func(_, value interface{}) bool {
		if s := value.(*atomic.Pointer[instanceState]).Load(); s != nil && (service == "" || s.service == service) {
			states = append(states, *s)
		}
		return true
	})
	sort.Slice(states, func(i, j int) bool {
		if states[i].service != states[j].service {
			return states[i].service < states[j].service
		}
		return states[i].instanceID < states[j].instanceID
	})
	return states
}
