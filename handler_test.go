package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	brokenServiceName = "brokenServiceName"
	validServiceName  = "validServiceName"
	knownBreaker      = "content-api"
	knownVariant      = "content-canary"
)

type mockHealthController struct {
	goodToGo bool
	reason   string
}

func (m *mockHealthController) buildGatewayHealthResult() fthealth.HealthResult {
	return fthealth.HealthResult{
		Checks:        []fthealth.CheckResult{{Name: knownBreaker, Ok: false, Severity: 1}},
		Description:   "test",
		Name:          "api gateway health",
		SchemaVersion: 1,
		Ok:            false,
		Severity:      1,
	}
}

func (m *mockHealthController) buildInstancesHealthResult(_ context.Context, serviceName string) (fthealth.HealthResult, error) {
	if serviceName == brokenServiceName {
		return fthealth.HealthResult{}, errors.New("broken service")
	}
	return fthealth.HealthResult{
		Checks:        []fthealth.CheckResult{{Name: "pod-1 (eu-west-1a)", Ok: true, Severity: 2}},
		Name:          serviceName,
		SchemaVersion: 1,
		Ok:            true,
		Severity:      2,
	}, nil
}

func (m *mockHealthController) isGoodToGo() (bool, string) {
	return m.goodToGo, m.reason
}

type mockBreakerAdmin struct {
	forced map[string]circuitState
}

func (m *mockBreakerAdmin) forceState(name string, state circuitState) (breakerCommandResult, error) {
	switch name {
	case knownBreaker:
		m.forced[name] = state
		return breakerCommandResult{Name: name, State: state.String()}, nil
	case "failing":
		return breakerCommandResult{}, errors.New("boom")
	default:
		return breakerCommandResult{}, &gatewayError{Code: codeCircuitNotFound, Message: "circuit breaker not found: " + name, status: http.StatusNotFound}
	}
}

func (m *mockBreakerAdmin) dashboard() breakerDashboard {
	return breakerDashboard{
		States:             map[string]int{"CLOSED": 1, "OPEN": 0, "HALF_OPEN": 0},
		TopImpactedTenants: []tenantImpact{},
		Breakers:           []breakerView{{Name: knownBreaker, State: "CLOSED"}},
	}
}

type mockVariantAdmin struct {
	conversions int
}

func (m *mockVariantAdmin) variantStats() []variantStats {
	return []variantStats{{ID: knownVariant, RouteID: "content", VariantID: "canary", Canary: true, Percentage: 10, Requests: 5}}
}

func (m *mockVariantAdmin) recordConversion(variantRouteID string) error {
	if variantRouteID != knownVariant {
		return fmt.Errorf("%w: %s", errVariantNotFound, variantRouteID)
	}
	m.conversions++
	return nil
}

func initializeTestHandler() (*httpHandler, *mockBreakerAdmin, *mockVariantAdmin) {
	breakers := &mockBreakerAdmin{forced: map[string]circuitState{}}
	variants := &mockVariantAdmin{}
	return &httpHandler{
		health:   &mockHealthController{goodToGo: true},
		breakers: breakers,
		variants: variants,
	}, breakers, variants
}

func serve(h *httpHandler, method string, target string) *httptest.ResponseRecorder {
	router := newAdminRouter(h, "", prometheus.NewRegistry())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decodeGatewayError(t *testing.T, rr *httptest.ResponseRecorder) gatewayError {
	t.Helper()
	var body gatewayError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHandleOpenAndCloseBreaker(t *testing.T) {
	h, breakers, _ := initializeTestHandler()

	rr := serve(h, http.MethodPost, "/circuit-breakers/content-api/open")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, stateOpen, breakers.forced[knownBreaker])

	var result breakerCommandResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, "OPEN", result.State)

	rr = serve(h, http.MethodPost, "/circuit-breakers/content-api/close")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, stateClosed, breakers.forced[knownBreaker])
}

func TestHandleForceUnknownBreaker(t *testing.T) {
	h, _, _ := initializeTestHandler()

	rr := serve(h, http.MethodPost, "/circuit-breakers/unknown/open")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, codeCircuitNotFound, decodeGatewayError(t, rr).Code)
}

func TestHandleForceBreakerUnexpectedError(t *testing.T) {
	h, _, _ := initializeTestHandler()

	rr := serve(h, http.MethodPost, "/circuit-breakers/failing/close")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, codeCircuitUpdate, decodeGatewayError(t, rr).Code)
}

func TestHandleBreakersWithoutRegistry(t *testing.T) {
	h, _, _ := initializeTestHandler()
	h.breakers = nil

	rr := serve(h, http.MethodPost, "/circuit-breakers/content-api/open")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, codeCircuitRegistry, decodeGatewayError(t, rr).Code)

	rr = serve(h, http.MethodGet, "/circuit-breakers")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleBreakerDashboard(t *testing.T) {
	h, _, _ := initializeTestHandler()

	rr := serve(h, http.MethodGet, "/circuit-breakers")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var dashboard breakerDashboard
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dashboard))
	assert.Equal(t, 1, dashboard.States["CLOSED"])
	require.Len(t, dashboard.Breakers, 1)
	assert.Equal(t, knownBreaker, dashboard.Breakers[0].Name)
}

func TestHandleVariantsAndConversions(t *testing.T) {
	h, _, variants := initializeTestHandler()

	rr := serve(h, http.MethodGet, "/variants")
	assert.Equal(t, http.StatusOK, rr.Code)
	var stats []variantStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, knownVariant, stats[0].ID)

	rr = serve(h, http.MethodPost, "/variants/content-canary/conversions")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 1, variants.conversions)

	rr = serve(h, http.MethodPost, "/variants/unknown/conversions")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, codeVariantNotFound, decodeGatewayError(t, rr).Code)
}

func TestHandleHealthCheck(t *testing.T) {
	h, _, _ := initializeTestHandler()

	rr := serve(h, http.MethodGet, "/__health")

	assert.Equal(t, http.StatusOK, rr.Code)
	var health fthealth.HealthResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.False(t, health.Ok)
	require.Len(t, health.Checks, 1)
	assert.Equal(t, knownBreaker, health.Checks[0].Name)
}

func TestHandleInstancesHealthCheck(t *testing.T) {
	h, _, _ := initializeTestHandler()

	rr := serve(h, http.MethodGet, "/__instances-health?service-name="+validServiceName)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), validServiceName)

	rr = serve(h, http.MethodGet, "/__instances-health")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, http.MethodGet, "/__instances-health?service-name="+brokenServiceName)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHandleGoodToGo(t *testing.T) {
	h, _, _ := initializeTestHandler()

	rr := serve(h, http.MethodGet, "/__gtg")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	h.health = &mockHealthController{goodToGo: false, reason: "critical circuit breaker content-api is open"}
	rr = serve(h, http.MethodGet, "/__gtg")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "critical circuit breaker content-api is open", rr.Body.String())
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
}

func TestAdminRouterPathPrefixAndMetrics(t *testing.T) {
	h, _, _ := initializeTestHandler()
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	registry.MustRegister(gauge)
	gauge.Set(3)
	router := newAdminRouter(h, "/gateway", registry)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gateway/__gtg", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/gateway/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "test_gauge 3"))
}
