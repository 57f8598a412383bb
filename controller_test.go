package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validEnvName = "valid-env-name"

func initializeMockController(insights *insightStore, discovery instanceDiscovery) *gatewayHealthController {
	return newGatewayHealthController(validEnvName, insights, discovery, http.DefaultClient)
}

func insightsWith(critical string, transitions ...stateTransition) *insightStore {
	store := newInsightStore(func(name string) breakerPriority {
		if name == critical {
			return priorityCritical
		}
		return priorityNonCritical
	})
	for _, t := range transitions {
		store.update(t.breaker, func(i *circuitBreakerInsight) *circuitBreakerInsight { return i.withTransition(t) })
	}
	return store
}

func TestBuildGatewayHealthResultAllClosed(t *testing.T) {
	insights := insightsWith("", stateTransition{breaker: "lists-api", from: stateOpen, to: stateClosed, at: time.Now()})
	controller := initializeMockController(insights, nil)

	health := controller.buildGatewayHealthResult()

	assert.True(t, health.Ok)
	assert.Equal(t, validEnvName+" api gateway health", health.Name)
	require.Len(t, health.Checks, 1)
	assert.True(t, health.Checks[0].Ok)
	assert.Equal(t, "lists-api", health.Checks[0].Name)
}

func TestBuildGatewayHealthResultWithOpenBreakers(t *testing.T) {
	insights := insightsWith("content-api",
		stateTransition{breaker: "lists-api", from: stateClosed, to: stateOpen, failureRate: 60},
		stateTransition{breaker: "content-api", from: stateClosed, to: stateOpen, failureRate: 80},
		stateTransition{breaker: "search-api", from: stateOpen, to: stateClosed},
	)
	controller := initializeMockController(insights, nil)

	health := controller.buildGatewayHealthResult()

	assert.False(t, health.Ok)
	assert.Equal(t, criticalSeverity, health.Severity)
	require.Len(t, health.Checks, 3)
	assert.Equal(t, "content-api", health.Checks[0].Name)
	assert.False(t, health.Checks[0].Ok)
	assert.Equal(t, criticalSeverity, health.Checks[0].Severity)
	assert.Equal(t, "lists-api", health.Checks[1].Name)
	assert.Equal(t, defaultSeverity, health.Checks[1].Severity)
	assert.True(t, health.Checks[2].Ok)
}

func TestIsGoodToGo(t *testing.T) {
	halfOpenCritical := insightsWith("content-api",
		stateTransition{breaker: "content-api", from: stateOpen, to: stateHalfOpen},
		stateTransition{breaker: "lists-api", from: stateClosed, to: stateOpen},
	)
	ok, reason := initializeMockController(halfOpenCritical, nil).isGoodToGo()
	assert.True(t, ok, "only an open critical breaker fails the gtg")
	assert.Empty(t, reason)

	openCritical := insightsWith("content-api", stateTransition{breaker: "content-api", from: stateClosed, to: stateOpen})
	ok, reason = initializeMockController(openCritical, nil).isGoodToGo()
	assert.False(t, ok)
	assert.Contains(t, reason, "content-api")
}

func TestGetFinalResult(t *testing.T) {
	ok, severity := getFinalResult([]fthealth.CheckResult{{Ok: true, Severity: 1}, {Ok: false, Severity: 2}})
	assert.False(t, ok)
	assert.Equal(t, defaultSeverity, severity)

	ok, severity = getFinalResult([]fthealth.CheckResult{{Ok: false, Severity: 2}, {Ok: false, Severity: 1}})
	assert.False(t, ok)
	assert.Equal(t, criticalSeverity, severity)

	ok, _ = getFinalResult(nil)
	assert.True(t, ok)
}

func serverInstance(t *testing.T, server *httptest.Server, id string, status string) serviceInstance {
	t.Helper()
	host, rawPort, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(rawPort)
	require.NoError(t, err)
	return serviceInstance{id: id, service: validServiceName, host: host, port: int32(port), zone: "eu-west-1a", status: status}
}

func TestBuildInstancesHealthResult(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/__gtg", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	unhealthy := newHealthServer(http.StatusServiceUnavailable)
	defer unhealthy.Close()

	discovery := newStaticDiscovery(map[string][]serviceInstance{
		validServiceName: {
			serverInstance(t, healthy, "pod-1", instanceStatusUp),
			serverInstance(t, unhealthy, "pod-2", instanceStatusUp),
			serverInstance(t, healthy, "pod-3", instanceStatusDown),
		},
	})
	controller := initializeMockController(insightsWith(""), discovery)

	health, err := controller.buildInstancesHealthResult(context.Background(), validServiceName)

	require.NoError(t, err)
	assert.False(t, health.Ok)
	require.Len(t, health.Checks, 3)
	assert.Equal(t, "pod-1 (eu-west-1a)", health.Checks[0].Name)
	assert.True(t, health.Checks[0].Ok)
	assert.False(t, health.Checks[1].Ok)
	assert.False(t, health.Checks[2].Ok)
}

type failingDiscovery struct{}

func (failingDiscovery) getInstances(context.Context, string) ([]serviceInstance, error) {
	return nil, errors.New("discovery unavailable")
}

func TestBuildInstancesHealthResultDiscoveryError(t *testing.T) {
	controller := initializeMockController(insightsWith(""), failingDiscovery{})

	_, err := controller.buildInstancesHealthResult(context.Background(), validServiceName)

	assert.Error(t, err)
}
