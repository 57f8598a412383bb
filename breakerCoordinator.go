package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
)

const defaultProbeInterval = 15 * time.Second

const (
	codeCircuitRegistry = "CIRCUIT-REGISTRY"
	codeCircuitNotFound = "CIRCUIT-NOT-FOUND"
	codeCircuitUpdate   = "CIRCUIT-UPDATE"
)

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	status  int
}

func (e *gatewayError) Error() string {
	return e.Code + ": " + e.Message
}

// recoverySchedule is the probe loop of one OPEN breaker.
type recoverySchedule struct {
	terminate chan struct{}
	once      sync.Once
}

func (s *recoverySchedule) stop() {
	s.once.Do(func() { close(s.terminate) })
}

type breakerCoordinator struct {
	clock         clock.Clock
	registry      *breakerRegistry
	insights      *insightStore
	client        httpClient
	probeInterval time.Duration
	endpoints     atomic.Value
	schedules     sync.Map
	wg            sync.WaitGroup
}

func newBreakerCoordinator(c clock.Clock, registry *breakerRegistry, insights *insightStore, client httpClient, probeInterval time.Duration, endpoints map[string]healthEndpoint) *breakerCoordinator {
	if probeInterval <= 0 {
		probeInterval = defaultProbeInterval
	}
	coordinator := &breakerCoordinator{
		clock:         c,
		registry:      registry,
		insights:      insights,
		client:        client,
		probeInterval: probeInterval,
	}
	coordinator.updateEndpoints(endpoints)
	return coordinator
}

func (c *breakerCoordinator) updateEndpoints(endpoints map[string]healthEndpoint) {
	copied := make(map[string]healthEndpoint, len(endpoints))
	for name, endpoint := range endpoints {
		copied[name] = endpoint
	}
	c.endpoints.Store(copied)
}

func (c *breakerCoordinator) endpointFor(name string) (healthEndpoint, bool) {
	endpoint, ok := c.endpoints.Load().(map[string]healthEndpoint)[name]
	return endpoint, ok
}

// run dispatches breaker transitions and removals until ctx is done.
func (c *breakerCoordinator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			return
		case t := <-c.registry.transitions:
			c.handleTransition(t)
		case name := <-c.registry.removals:
			c.onBreakerRemoved(name)
		}
	}
}

func (c *breakerCoordinator) handleTransition(t stateTransition) {
	log.Infof("Circuit breaker %s moved from %s to %s (failure rate %.2f%%)", t.breaker, t.from, t.to, t.failureRate)
	c.insights.update(t.breaker, func(i *circuitBreakerInsight) *circuitBreakerInsight {
		return i.withTransition(t)
	})

	switch t.to {
	case stateOpen:
		c.scheduleRecovery(t.breaker)
	case stateClosed:
		c.cancelRecovery(t.breaker)
	case stateHalfOpen:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.probe(t.breaker, nil)
		}()
	}
}

func (c *breakerCoordinator) scheduleRecovery(name string) {
	schedule := &recoverySchedule{terminate: make(chan struct{})}
	if previous, loaded := c.schedules.Swap(name, schedule); loaded {
		previous.(*recoverySchedule).stop()
	}
	c.insights.update(name, func(i *circuitBreakerInsight) *circuitBreakerInsight {
		return i.withRecovery(recoveryScheduled, c.clock.Now())
	})

	ticker := c.clock.Ticker(c.probeInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-schedule.terminate:
				return
			case <-ticker.C:
				c.probe(name, schedule)
			}
		}
	}()
}

func (c *breakerCoordinator) cancelRecovery(name string) {
	if previous, loaded := c.schedules.LoadAndDelete(name); loaded {
		previous.(*recoverySchedule).stop()
	}
	c.insights.update(name, func(i *circuitBreakerInsight) *circuitBreakerInsight {
		return i.withRecovery(recoveryIdle, c.clock.Now())
	})
}

// cancelOwnSchedule only cancels the schedule if it was not replaced since.
func (c *breakerCoordinator) cancelOwnSchedule(name string, schedule *recoverySchedule) {
	if schedule == nil {
		c.cancelRecovery(name)
		return
	}
	if c.schedules.CompareAndDelete(name, schedule) {
		schedule.stop()
		c.insights.update(name, func(i *circuitBreakerInsight) *circuitBreakerInsight {
			return i.withRecovery(recoveryIdle, c.clock.Now())
		})
	}
}

func (c *breakerCoordinator) probe(name string, schedule *recoverySchedule) {
	endpoint, ok := c.endpointFor(name)
	if !ok {
		log.Debugf("No health endpoint configured for circuit breaker %s, skipping recovery probe", name)
		c.recordProbe(name, probeSkipped)
		return
	}

	if err := probeHealthEndpoint(context.Background(), c.client, endpoint); err != nil {
		log.WithError(err).Warnf("Recovery probe for circuit breaker %s failed", name)
		c.recordProbe(name, probeFailure)
		return
	}

	c.recordProbe(name, probeSuccess)
	c.cancelOwnSchedule(name, schedule)
	if breaker, found := c.registry.find(name); found {
		if err := breaker.transitionToHalfOpen(); err != nil {
			log.WithError(err).Debugf("Circuit breaker %s not moved to HALF_OPEN after successful probe", name)
		}
	}
}

func (c *breakerCoordinator) recordProbe(name string, outcome probeOutcome) {
	c.insights.update(name, func(i *circuitBreakerInsight) *circuitBreakerInsight {
		return i.withProbe(outcome, c.clock.Now())
	})
}

func (c *breakerCoordinator) recordFallback(name string, tenantID string, fallbackType string, metadata map[string]string) {
	c.insights.update(name, func(i *circuitBreakerInsight) *circuitBreakerInsight {
		return i.withFallback(tenantID, fallbackType, metadata, c.clock.Now())
	})
}

func (c *breakerCoordinator) onBreakerRemoved(name string) {
	c.cancelRecovery(name)
}

func (c *breakerCoordinator) isRecoveryScheduled(name string) bool {
	_, ok := c.schedules.Load(name)
	return ok
}

func (c *breakerCoordinator) dashboard() breakerDashboard {
	return buildDashboard(c.insights.all(), c.clock.Now())
}

// forceState is the operator override of a breaker state.
func (c *breakerCoordinator) forceState(name string, state circuitState) (breakerCommandResult, error) {
	if c.registry == nil {
		return breakerCommandResult{}, &gatewayError{Code: codeCircuitRegistry, Message: "circuit breaker registry is unavailable", status: http.StatusServiceUnavailable}
	}
	breaker, found := c.registry.find(name)
	if !found {
		return breakerCommandResult{}, &gatewayError{Code: codeCircuitNotFound, Message: errBreakerNotFound.Error() + ": " + name, status: http.StatusNotFound}
	}

	var err error
	switch state {
	case stateOpen:
		err = breaker.transitionToOpen()
	case stateClosed:
		err = breaker.transitionToClosed()
	default:
		err = errIllegalTransition
	}
	if err != nil {
		return breakerCommandResult{}, &gatewayError{Code: codeCircuitUpdate, Message: err.Error(), status: http.StatusInternalServerError}
	}

	return breakerCommandResult{Name: name, State: breaker.currentState().String(), UpdatedAt: c.clock.Now()}, nil
}

func (c *breakerCoordinator) stopAll() {
	c.schedules.Range(func(key, value interface{}) bool {
		value.(*recoverySchedule).stop()
		c.schedules.Delete(key)
		return true
	})
}

func (c *breakerCoordinator) wait() {
	c.wg.Wait()
}

func asGatewayError(err error) (*gatewayError, bool) {
	var gwErr *gatewayError
	ok := errors.As(err, &gwErr)
	return gwErr, ok
}
