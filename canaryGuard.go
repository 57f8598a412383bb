package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCanaryWindow         = 2 * time.Minute
	defaultCanaryMinSamples     = 50
	defaultCanaryErrorThreshold = 0.05
	rollbackTimeout             = 10 * time.Second
)

type windowSample struct {
	at      time.Time
	success bool
}

// rollingWindow keeps the outcomes of the last window duration. Expired samples
// are purged lazily on every read and write.
type rollingWindow struct {
	mu        sync.Mutex
	clock     clock.Clock
	size      time.Duration
	samples   []windowSample
	successes int
	failures  int
}

func newRollingWindow(c clock.Clock, size time.Duration) *rollingWindow {
	return &rollingWindow{clock: c, size: size}
}

// recordAndRead records one outcome and returns the in-window totals atomically.
func (w *rollingWindow) recordAndRead(success bool) (int, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.purge(now)
	w.samples = append(w.samples, windowSample{at: now, success: success})
	if success {
		w.successes++
	} else {
		w.failures++
	}
	return w.total(), w.rate()
}

func (w *rollingWindow) totalSamples() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(w.clock.Now())
	return w.total()
}

func (w *rollingWindow) errorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(w.clock.Now())
	return w.rate()
}

func (w *rollingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = nil
	w.successes = 0
	w.failures = 0
}

func (w *rollingWindow) purge(now time.Time) {
	cutoff := now.Add(-w.size)
	expired := 0
	for expired < len(w.samples) && !w.samples[expired].at.After(cutoff) {
		if w.samples[expired].success {
			w.successes--
		} else {
			w.failures--
		}
		expired++
	}
	if expired > 0 {
		w.samples = append(w.samples[:0:0], w.samples[expired:]...)
	}
}

func (w *rollingWindow) total() int {
	return w.successes + w.failures
}

func (w *rollingWindow) rate() float64 {
	total := w.total()
	if total == 0 {
		return 0
	}
	return float64(w.failures) / float64(total)
}

// canaryGuard withdraws a canary variant once its recent error rate crosses the
// threshold. At most one rollback per route is in flight at any time.
type canaryGuard struct {
	clock      clock.Clock
	repository routeRepository
	window     time.Duration
	minSamples int
	threshold  float64
	windows    sync.Map
	inFlight   singleflight.Group
	onRollback func(ctx context.Context, routeID string)
}

func newCanaryGuard(c clock.Clock, repository routeRepository, onRollback func(ctx context.Context, routeID string)) *canaryGuard {
	return &canaryGuard{
		clock:      c,
		repository: repository,
		window:     defaultCanaryWindow,
		minSamples: defaultCanaryMinSamples,
		threshold:  defaultCanaryErrorThreshold,
		onRollback: onRollback,
	}
}

func (g *canaryGuard) windowFor(variantRouteID string) *rollingWindow {
	w, _ := g.windows.LoadOrStore(variantRouteID, newRollingWindow(g.clock, g.window))
	return w.(*rollingWindow)
}

// observe records a canary call outcome and reports whether it triggered a
// rollback. Non-canary variants are ignored.
func (g *canaryGuard) observe(variantRouteID string, reg variantRegistration, status int) bool {
	if !reg.canary {
		return false
	}

	failed := status >= http.StatusInternalServerError
	samples, rate := g.windowFor(variantRouteID).recordAndRead(!failed)

	if !failed || samples < g.minSamples || rate <= g.threshold {
		return false
	}

	log.Warnf("Canary %s of route %s has error rate %.2f over %d samples, rolling back", variantRouteID, reg.routeID, rate, samples)
	g.inFlight.DoChan(reg.routeID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		defer cancel()
		removed, err := g.rollback(ctx, reg.routeID)
		if err == nil && removed {
			g.windowFor(variantRouteID).reset()
		}
		return removed, err
	})
	return true
}

// rollback removes the canary split from the persisted route. It is a no-op
// when the route no longer carries one.
func (g *canaryGuard) rollback(ctx context.Context, routeID string) (bool, error) {
	tid := newTransactionID()

	def, err := g.repository.getRoute(ctx, routeID)
	if err != nil {
		log.WithTransactionID(tid).WithError(err).Errorf("Canary rollback of route %s failed: cannot read route", routeID)
		return false, fmt.Errorf("cannot read route %s: %w", routeID, err)
	}

	metadata, removed := removeCanarySplit(def.Metadata)
	if !removed {
		log.WithTransactionID(tid).Infof("Route %s carries no canary split, nothing to roll back", routeID)
		return false, nil
	}

	if err := g.repository.updateRouteMetadata(ctx, routeID, metadata); err != nil {
		log.WithTransactionID(tid).WithError(err).Errorf("Canary rollback of route %s failed: cannot persist metadata", routeID)
		return false, fmt.Errorf("cannot update route %s: %w", routeID, err)
	}

	log.WithTransactionID(tid).Infof("Canary split removed from route %s", routeID)
	if g.onRollback != nil {
		g.onRollback(ctx, routeID)
	}
	return true, nil
}

func (g *canaryGuard) windowStats(variantRouteID string) (float64, int) {
	w, ok := g.windows.Load(variantRouteID)
	if !ok {
		return 0, 0
	}
	window := w.(*rollingWindow)
	return window.errorRate(), window.totalSamples()
}

// removeCanarySplit drops the canary split and rescales the remaining ones so
// they still add up to 100, the largest split absorbing the rounding remainder.
func removeCanarySplit(metadata routeMetadata) (routeMetadata, bool) {
	remaining := make([]trafficSplit, 0, len(metadata.TrafficSplits))
	removed := false
	for _, split := range metadata.TrafficSplits {
		if normalizeVariantID(split.VariantID) == canaryVariantID {
			removed = true
			continue
		}
		remaining = append(remaining, split)
	}

	if !removed {
		return metadata, false
	}

	result := routeMetadata{Attributes: metadata.Attributes}
	if len(remaining) == 0 {
		return result, true
	}

	total := 0
	for _, split := range remaining {
		total += split.Percentage
	}

	largest := 0
	assigned := 0
	for i := range remaining {
		if total > 0 {
			remaining[i].Percentage = remaining[i].Percentage * 100 / total
		}
		assigned += remaining[i].Percentage
		if remaining[i].Percentage > remaining[largest].Percentage {
			largest = i
		}
	}
	remaining[largest].Percentage += 100 - assigned

	result.TrafficSplits = remaining
	return result, true
}
