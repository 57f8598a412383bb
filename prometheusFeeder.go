package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const feedInterval = 60 * time.Second

// metricsSource is what the feeders publish.
type metricsSource interface {
	breakerDashboard() breakerDashboard
	variantStats() []variantStats
	instanceStates(service string) []instanceState
}

type prometheusFeeder struct {
	environment string
	clock       clock.Clock
	source      metricsSource

	pilotLight         *prometheus.GaugeVec
	breakerState       *prometheus.GaugeVec
	breakerFallbacks   *prometheus.GaugeVec
	variantRequests    *prometheus.GaugeVec
	variantErrors      *prometheus.GaugeVec
	variantConversions *prometheus.GaugeVec
	canaryErrorRate    *prometheus.GaugeVec
	instanceWeight     *prometheus.GaugeVec
}

func newGatewayGauge(name string, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "upp",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		},
		append([]string{"environment"}, labels...))
}

func newPrometheusFeeder(environment string, c clock.Clock, source metricsSource, registerer prometheus.Registerer) *prometheusFeeder {
	f := &prometheusFeeder{
		environment:        environment,
		clock:              c,
		source:             source,
		pilotLight:         newGatewayGauge("pilotlight", "Pilot light for the UPP API gateway"),
		breakerState:       newGatewayGauge("circuitbreaker_state", "State of the circuit breaker: 0 - closed; 1 - open; 2 - half open", "breaker", "priority"),
		breakerFallbacks:   newGatewayGauge("circuitbreaker_fallbacks", "Fallbacks served because of the circuit breaker", "breaker"),
		variantRequests:    newGatewayGauge("variant_requests", "Requests served by a route variant", "variant", "route"),
		variantErrors:      newGatewayGauge("variant_errors", "Requests of a route variant answered with a server error", "variant", "route"),
		variantConversions: newGatewayGauge("variant_conversions", "Conversions attributed to a route variant", "variant", "route"),
		canaryErrorRate:    newGatewayGauge("canary_error_rate", "Error rate of a canary variant over its rolling window", "variant", "route"),
		instanceWeight:     newGatewayGauge("instance_weight", "Effective load balancing weight of a backend instance", "service", "instance", "zone"),
	}
	registerer.MustRegister(
		f.pilotLight,
		f.breakerState,
		f.breakerFallbacks,
		f.variantRequests,
		f.variantErrors,
		f.variantConversions,
		f.canaryErrorRate,
		f.instanceWeight,
	)
	return f
}

func (f *prometheusFeeder) feed(ctx context.Context) {
	ticker := f.clock.Ticker(feedInterval)
	defer ticker.Stop()

	f.update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.update()
		}
	}
}

// update replaces every series with the current snapshot so that removed
// breakers, variants and instances disappear.
func (f *prometheusFeeder) update() {
	f.pilotLight.With(prometheus.Labels{"environment": f.environment}).Set(1)

	f.breakerState.Reset()
	f.breakerFallbacks.Reset()
	for _, b := range f.source.breakerDashboard().Breakers {
		f.breakerState.With(prometheus.Labels{
			"environment": f.environment,
			"breaker":     b.Name,
			"priority":    string(b.Priority),
		}).Set(breakerStateValue(b.State))
		f.breakerFallbacks.With(prometheus.Labels{
			"environment": f.environment,
			"breaker":     b.Name,
		}).Set(float64(b.Fallbacks))
	}

	f.variantRequests.Reset()
	f.variantErrors.Reset()
	f.variantConversions.Reset()
	f.canaryErrorRate.Reset()
	for _, v := range f.source.variantStats() {
		labels := prometheus.Labels{"environment": f.environment, "variant": v.ID, "route": v.RouteID}
		f.variantRequests.With(labels).Set(float64(v.Requests))
		f.variantErrors.With(labels).Set(float64(v.Errors))
		f.variantConversions.With(labels).Set(float64(v.Conversions))
		if v.Canary {
			f.canaryErrorRate.With(labels).Set(v.WindowErrorRate)
		}
	}

	f.instanceWeight.Reset()
	for _, s := range f.source.instanceStates("") {
		f.instanceWeight.With(prometheus.Labels{
			"environment": f.environment,
			"service":     s.service,
			"instance":    s.instanceID,
			"zone":        s.zone,
		}).Set(s.weight)
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case stateOpen.String():
		return 1
	case stateHalfOpen.String():
		return 2
	default:
		return 0
	}
}
