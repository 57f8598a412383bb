package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
)

const (
	codeVersionUnsupported  = "VERSION-UNSUPPORTED"
	codeRouteNotFound       = "ROUTE-NOT-FOUND"
	codeInstanceUnavailable = "INSTANCE-UNAVAILABLE"
	codeCircuitOpen         = "CIRCUIT-OPEN"
	codeUpstreamError       = "UPSTREAM-ERROR"

	loadBalancedScheme = "lb"
)

// upstreamTarget is where a route variant sends its traffic. Balanced targets
// only carry the logical service, the instance is chosen per request.
type upstreamTarget struct {
	service  string
	balanced bool
	url      *url.URL
}

func parseTargetURI(raw string) (upstreamTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return upstreamTarget{}, fmt.Errorf("invalid target uri %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case loadBalancedScheme:
		if u.Host == "" {
			return upstreamTarget{}, fmt.Errorf("target uri %q has no service name", raw)
		}
		return upstreamTarget{service: u.Host, balanced: true, url: &url.URL{Scheme: "http", Path: u.Path}}, nil
	case "http", "https":
		if u.Host == "" {
			return upstreamTarget{}, fmt.Errorf("target uri %q has no host", raw)
		}
		return upstreamTarget{service: u.Hostname(), url: u}, nil
	default:
		return upstreamTarget{}, fmt.Errorf("target uri %q has unsupported scheme %q", raw, u.Scheme)
	}
}

// gatewayController runs the proxy pipeline: version resolution, route and
// variant selection, instance selection and the breaker guarded call.
type gatewayController struct {
	clock       clock.Clock
	resolver    *versionResolver
	splits      *trafficSplitEngine
	guard       *canaryGuard
	balancers   *loadBalancerRegistry
	health      *instanceHealthAggregator
	breakers    *breakerRegistry
	coordinator *breakerCoordinator
	transport   http.RoundTripper
}

func (g *gatewayController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(headerTenantID)
	out := r.Clone(r.Context())

	resolution, versioned, err := g.resolver.resolve(r, tenantID)
	if err != nil {
		log.WithError(err).Debugf("Rejecting request %s %s", r.Method, r.URL.Path)
		writeGatewayError(w, http.StatusNotFound, codeVersionUnsupported, err.Error())
		return
	}
	if versioned {
		out.URL.Path = resolution.path
		out.URL.RawPath = ""
		resolution.applyRequestHeaders(out.Header)
	}

	entry, vars, found := g.splits.match(out)
	if !found {
		log.Debugf("No route matches %s %s", out.Method, out.URL.Path)
		writeGatewayError(w, http.StatusNotFound, codeRouteNotFound, fmt.Sprintf("no route matches %s %s", out.Method, out.URL.Path))
		return
	}
	variant := g.splits.selectVariant(entry)

	target, err := parseTargetURI(variant.uri)
	if err != nil {
		log.WithError(err).Errorf("Route %s has an unusable target", variant.id)
		writeGatewayError(w, http.StatusBadGateway, codeUpstreamError, err.Error())
		return
	}

	var instance serviceInstance
	destination := target.url
	if target.balanced {
		instance, err = g.balancers.get(target.service).choose(r.Context(), lbRequest{
			service:   target.service,
			tenantID:  tenantID,
			stickyKey: stickyKeyFor(r, target.service),
		})
		if err != nil {
			log.WithError(err).Debugf("No instance for route %s", variant.id)
			writeGatewayError(w, http.StatusServiceUnavailable, codeInstanceUnavailable, err.Error())
			return
		}
		balanced := *target.url
		balanced.Host = instance.address()
		destination = &balanced
	}

	applyRequestFilters(variant.filters, out, vars)

	breaker := g.breakers.get(target.service)
	settle, err := breaker.begin()
	if err != nil {
		g.coordinator.recordFallback(target.service, tenantID, fallbackCircuitOpen, map[string]string{
			"route":   entry.definition.ID,
			"variant": variant.id,
		})
		writeGatewayError(w, http.StatusServiceUnavailable, codeCircuitOpen, fmt.Sprintf("circuit breaker %s is open", target.service))
		return
	}

	status := 0
	start := g.clock.Now()
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(destination)
			pr.SetXForwarded()
		},
		Transport: g.transport,
		ModifyResponse: func(resp *http.Response) error {
			status = resp.StatusCode
			settle(resp.StatusCode >= http.StatusInternalServerError)
			if versioned {
				resolution.applyResponseHeaders(resp.Header)
			}
			applyResponseFilters(variant.filters, resp.Header)
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			status = http.StatusBadGateway
			settle(true)
			log.WithError(err).Warnf("Upstream call for route %s failed", variant.id)
			writeGatewayError(rw, http.StatusBadGateway, codeUpstreamError, fmt.Sprintf("upstream %s did not answer", target.service))
		},
	}
	proxy.ServeHTTP(w, out)
	if status == 0 {
		status = http.StatusBadGateway
	}
	settle(status >= http.StatusInternalServerError)

	if instance.id != "" {
		g.health.recordResponseTime(instance.service, instance.id, g.clock.Now().Sub(start))
	}
	g.splits.recordOutcome(variant.id, status)
	if reg, ok := g.splits.registration(variant.id); ok {
		g.guard.observe(variant.id, reg, status)
	}
}

func writeGatewayError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&gatewayError{Code: code, Message: message}); err != nil {
		log.WithError(err).Error("Cannot encode gateway error response")
	}
}

func (g *gatewayController) breakerDashboard() breakerDashboard {
	return g.coordinator.dashboard()
}

// variantStats enriches the split counters with the canary error window.
func (g *gatewayController) variantStats() []variantStats {
	stats := g.splits.stats()
	for i := range stats {
		if stats[i].Canary {
			stats[i].WindowErrorRate, stats[i].WindowSamples = g.guard.windowStats(stats[i].ID)
		}
	}
	return stats
}

func (g *gatewayController) instanceStates(service string) []instanceState {
	return g.health.snapshot(service)
}

func (g *gatewayController) recordConversion(variantRouteID string) error {
	return g.splits.recordConversion(variantRouteID)
}
