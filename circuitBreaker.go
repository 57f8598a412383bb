package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
)

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

const transitionBufferSize = 256

var (
	errBreakerOpen       = errors.New("circuit breaker is open")
	errBreakerNotFound   = errors.New("circuit breaker not found")
	errIllegalTransition = errors.New("illegal circuit breaker transition")
)

// stateTransition is emitted by a breaker every time its state changes.
type stateTransition struct {
	breaker     string
	from        circuitState
	to          circuitState
	failureRate float64
	at          time.Time
}

type breakerSettings struct {
	failureRateThreshold     float64
	slowCallRateThreshold    float64
	slowCallDuration         time.Duration
	minimumCalls             int
	slidingWindowSize        int
	waitDurationInOpen       time.Duration
	permittedCallsInHalfOpen int
}

func defaultBreakerSettings() breakerSettings {
	return breakerSettings{
		failureRateThreshold:     50,
		slowCallRateThreshold:    100,
		slowCallDuration:         60 * time.Second,
		minimumCalls:             10,
		slidingWindowSize:        20,
		waitDurationInOpen:       30 * time.Second,
		permittedCallsInHalfOpen: 3,
	}
}

func (s breakerSettings) merge(c breakerSettingsConfig) breakerSettings {
	if c.FailureRateThreshold > 0 {
		s.failureRateThreshold = c.FailureRateThreshold
	}
	if c.SlowCallRateThreshold > 0 {
		s.slowCallRateThreshold = c.SlowCallRateThreshold
	}
	if c.SlowCallDuration > 0 {
		s.slowCallDuration = c.SlowCallDuration
	}
	if c.MinimumCalls > 0 {
		s.minimumCalls = c.MinimumCalls
	}
	if c.SlidingWindowSize > 0 {
		s.slidingWindowSize = c.SlidingWindowSize
	}
	if c.WaitDurationInOpen > 0 {
		s.waitDurationInOpen = c.WaitDurationInOpen
	}
	if c.PermittedCallsInHalfOpen > 0 {
		s.permittedCallsInHalfOpen = c.PermittedCallsInHalfOpen
	}
	if s.minimumCalls > s.slidingWindowSize {
		s.minimumCalls = s.slidingWindowSize
	}
	return s
}

type callOutcome struct {
	failed bool
	slow   bool
}

// circuitBreaker is a count based breaker. It owns its state and reports every
// change on the transitions channel, it does not know who listens.
type circuitBreaker struct {
	name        string
	settings    breakerSettings
	clock       clock.Clock
	transitions chan<- stateTransition

	mu               sync.Mutex
	state            circuitState
	openedAt         time.Time
	outcomes         []callOutcome
	next             int
	recorded         int
	halfOpenInFlight int
	halfOpenDone     []callOutcome
}

func newCircuitBreaker(name string, settings breakerSettings, c clock.Clock, transitions chan<- stateTransition) *circuitBreaker {
	if settings.slidingWindowSize <= 0 {
		settings.slidingWindowSize = 1
	}
	return &circuitBreaker{
		name:        name,
		settings:    settings,
		clock:       c,
		transitions: transitions,
		outcomes:    make([]callOutcome, settings.slidingWindowSize),
	}
}

func (b *circuitBreaker) currentState() circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *circuitBreaker) rates() (float64, float64) {
	if b.recorded == 0 {
		return 0, 0
	}
	failures, slow := 0, 0
	for i := 0; i < b.recorded; i++ {
		if b.outcomes[i].failed {
			failures++
		}
		if b.outcomes[i].slow {
			slow++
		}
	}
	return float64(failures) * 100 / float64(b.recorded), float64(slow) * 100 / float64(b.recorded)
}

// acquire asks for permission to call. An OPEN breaker whose wait duration
// elapsed moves to HALF_OPEN on the way.
func (b *circuitBreaker) acquire() error {
	b.mu.Lock()
	var transition *stateTransition
	defer func() {
		b.mu.Unlock()
		b.emit(transition)
	}()

	if b.state == stateOpen {
		if b.clock.Now().Sub(b.openedAt) < b.settings.waitDurationInOpen {
			return errBreakerOpen
		}
		transition = b.transitionLocked(stateHalfOpen)
	}

	if b.state == stateHalfOpen {
		if b.halfOpenInFlight+len(b.halfOpenDone) >= b.settings.permittedCallsInHalfOpen {
			return errBreakerOpen
		}
		b.halfOpenInFlight++
	}
	return nil
}

func (b *circuitBreaker) onResult(failed bool, elapsed time.Duration) {
	outcome := callOutcome{failed: failed, slow: elapsed >= b.settings.slowCallDuration}

	b.mu.Lock()
	var transition *stateTransition
	defer func() {
		b.mu.Unlock()
		b.emit(transition)
	}()

	switch b.state {
	case stateClosed:
		b.outcomes[b.next] = outcome
		b.next = (b.next + 1) % len(b.outcomes)
		if b.recorded < len(b.outcomes) {
			b.recorded++
		}
		if b.recorded >= b.settings.minimumCalls && b.thresholdExceeded(b.rates()) {
			transition = b.transitionLocked(stateOpen)
		}
	case stateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenDone = append(b.halfOpenDone, outcome)
		if len(b.halfOpenDone) < b.settings.permittedCallsInHalfOpen {
			return
		}
		if b.thresholdExceeded(rateOf(b.halfOpenDone)) {
			transition = b.transitionLocked(stateOpen)
		} else {
			transition = b.transitionLocked(stateClosed)
		}
	}
}

func (b *circuitBreaker) thresholdExceeded(failureRate float64, slowRate float64) bool {
	return failureRate >= b.settings.failureRateThreshold || slowRate >= b.settings.slowCallRateThreshold
}

func rateOf(outcomes []callOutcome) (float64, float64) {
	if len(outcomes) == 0 {
		return 0, 0
	}
	failures, slow := 0, 0
	for _, o := range outcomes {
		if o.failed {
			failures++
		}
		if o.slow {
			slow++
		}
	}
	return float64(failures) * 100 / float64(len(outcomes)), float64(slow) * 100 / float64(len(outcomes))
}

// begin grants one call permit. The returned func settles the call, only its
// first invocation counts.
func (b *circuitBreaker) begin() (func(failed bool), error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	start := b.clock.Now()
	var once sync.Once
	return func(failed bool) {
		once.Do(func() { b.onResult(failed, b.clock.Now().Sub(start)) })
	}, nil
}

func (b *circuitBreaker) transitionToOpen() error {
	return b.forceTransition(stateOpen, nil)
}

func (b *circuitBreaker) transitionToClosed() error {
	return b.forceTransition(stateClosed, nil)
}

// transitionToHalfOpen is only legal from OPEN.
func (b *circuitBreaker) transitionToHalfOpen() error {
	return b.forceTransition(stateHalfOpen, []circuitState{stateOpen})
}

func (b *circuitBreaker) forceTransition(to circuitState, allowedFrom []circuitState) error {
	b.mu.Lock()
	var transition *stateTransition
	defer func() {
		b.mu.Unlock()
		b.emit(transition)
	}()

	if allowedFrom != nil {
		allowed := false
		for _, s := range allowedFrom {
			if s == b.state {
				allowed = true
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s from %s to %s", errIllegalTransition, b.name, b.state, to)
		}
	}

	transition = b.transitionLocked(to)
	return nil
}

func (b *circuitBreaker) transitionLocked(to circuitState) *stateTransition {
	from := b.state
	failureRate, _ := b.rates()
	if from == stateHalfOpen {
		failureRate, _ = rateOf(b.halfOpenDone)
	}

	b.state = to
	b.halfOpenInFlight = 0
	b.halfOpenDone = nil
	b.recorded = 0
	b.next = 0
	if to == stateOpen {
		b.openedAt = b.clock.Now()
	}

	if from == to {
		return nil
	}
	return &stateTransition{breaker: b.name, from: from, to: to, failureRate: failureRate, at: b.clock.Now()}
}

func (b *circuitBreaker) emit(t *stateTransition) {
	if t == nil || b.transitions == nil {
		return
	}
	select {
	case b.transitions <- *t:
	default:
		log.Warnf("Transition of circuit breaker %s from %s to %s dropped, nobody is listening", t.breaker, t.from, t.to)
	}
}

// updateSettings applies reloaded settings to a live breaker. A resized window
// keeps the most recent outcomes that still fit.
func (b *circuitBreaker) updateSettings(settings breakerSettings) {
	if settings.slidingWindowSize <= 0 {
		settings.slidingWindowSize = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if settings.slidingWindowSize != len(b.outcomes) {
		kept := b.recorded
		if kept > settings.slidingWindowSize {
			kept = settings.slidingWindowSize
		}
		outcomes := make([]callOutcome, settings.slidingWindowSize)
		for i := 0; i < kept; i++ {
			// walk back from the newest outcome
			idx := (b.next - kept + i + len(b.outcomes)) % len(b.outcomes)
			outcomes[i] = b.outcomes[idx]
		}
		b.outcomes = outcomes
		b.recorded = kept
		b.next = kept % settings.slidingWindowSize
	}
	b.settings = settings
}

// breakerRegistry owns every breaker of the gateway and the channel their
// transitions are published on.
type breakerRegistry struct {
	clock       clock.Clock
	settingsFor func(name string) breakerSettings
	transitions chan stateTransition
	removals    chan string
	breakers    sync.Map
}

func newBreakerRegistry(c clock.Clock, settingsFor func(name string) breakerSettings) *breakerRegistry {
	if settingsFor == nil {
		settingsFor = func(string) breakerSettings { return defaultBreakerSettings() }
	}
	return &breakerRegistry{
		clock:       c,
		settingsFor: settingsFor,
		transitions: make(chan stateTransition, transitionBufferSize),
		removals:    make(chan string, transitionBufferSize),
	}
}

func (r *breakerRegistry) get(name string) *circuitBreaker {
	if b, ok := r.breakers.Load(name); ok {
		return b.(*circuitBreaker)
	}
	b, _ := r.breakers.LoadOrStore(name, newCircuitBreaker(name, r.settingsFor(name), r.clock, r.transitions))
	return b.(*circuitBreaker)
}

func (r *breakerRegistry) find(name string) (*circuitBreaker, bool) {
	b, ok := r.breakers.Load(name)
	if !ok {
		return nil, false
	}
	return b.(*circuitBreaker), true
}

func (r *breakerRegistry) remove(name string) {
	if _, ok := r.breakers.LoadAndDelete(name); ok {
		select {
		case r.removals <- name:
		default:
			log.Warnf("Removal of circuit breaker %s dropped, nobody is listening", name)
		}
	}
}

// refreshSettings pushes the current settings into every live breaker.
func (r *breakerRegistry) refreshSettings() {
	for _, name := range r.names() {
		if b, ok := r.find(name); ok {
			b.updateSettings(r.settingsFor(name))
		}
	}
}

// retain removes every breaker whose name is not in keep.
func (r *breakerRegistry) retain(keep map[string]bool) []string {
	var removed []string
	for _, name := range r.names() {
		if !keep[name] {
			r.remove(name)
			removed = append(removed, name)
		}
	}
	return removed
}

func (r *breakerRegistry) names() []string {
	var names []string
	r.breakers.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}
