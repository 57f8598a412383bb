package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	log "github.com/Financial-Times/go-logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const codeVariantNotFound = "VARIANT-NOT-FOUND"

type breakerAdmin interface {
	forceState(name string, state circuitState) (breakerCommandResult, error)
	dashboard() breakerDashboard
}

type variantAdmin interface {
	variantStats() []variantStats
	recordConversion(variantRouteID string) error
}

type httpHandler struct {
	health   healthController
	breakers breakerAdmin
	variants variantAdmin
}

func (h *httpHandler) handleOpenBreaker(w http.ResponseWriter, r *http.Request) {
	h.forceBreaker(w, r, stateOpen)
}

func (h *httpHandler) handleCloseBreaker(w http.ResponseWriter, r *http.Request) {
	h.forceBreaker(w, r, stateClosed)
}

func (h *httpHandler) forceBreaker(w http.ResponseWriter, r *http.Request, state circuitState) {
	name := mux.Vars(r)["name"]
	tid := newTransactionID()

	if h.breakers == nil {
		writeGatewayError(w, http.StatusServiceUnavailable, codeCircuitRegistry, "circuit breaker registry is unavailable")
		return
	}

	result, err := h.breakers.forceState(name, state)
	if err != nil {
		log.WithTransactionID(tid).WithError(err).Warnf("Cannot force circuit breaker %s to %s", name, state)
		if gwErr, ok := asGatewayError(err); ok {
			writeGatewayError(w, gwErr.status, gwErr.Code, gwErr.Message)
			return
		}
		writeGatewayError(w, http.StatusInternalServerError, codeCircuitUpdate, err.Error())
		return
	}

	log.WithTransactionID(tid).Infof("Circuit breaker %s forced to %s", name, result.State)
	writeJSON(w, http.StatusOK, result)
}

func (h *httpHandler) handleBreakerDashboard(w http.ResponseWriter, _ *http.Request) {
	if h.breakers == nil {
		writeGatewayError(w, http.StatusServiceUnavailable, codeCircuitRegistry, "circuit breaker registry is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.dashboard())
}

func (h *httpHandler) handleVariants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.variants.variantStats())
}

func (h *httpHandler) handleConversion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.variants.recordConversion(id); err != nil {
		if errors.Is(err, errVariantNotFound) {
			writeGatewayError(w, http.StatusNotFound, codeVariantNotFound, err.Error())
			return
		}
		writeGatewayError(w, http.StatusInternalServerError, codeVariantNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *httpHandler) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	buildHealthcheckJSONResponse(w, h.health.buildGatewayHealthResult())
}

func (h *httpHandler) handleInstancesHealthCheck(w http.ResponseWriter, r *http.Request) {
	serviceName := getServiceNameFromURL(r.URL)
	if serviceName == "" {
		w.WriteHeader(http.StatusBadRequest)
		if _, err := w.Write([]byte("Couldn't get service name from url.")); err != nil {
			log.WithError(err).Error("Cannot write response")
		}
		return
	}

	healthResult, err := h.health.buildInstancesHealthResult(r.Context(), serviceName)
	if err != nil {
		log.WithError(err).Warnf("Cannot build instances health for service %s", serviceName)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	buildHealthcheckJSONResponse(w, healthResult)
}

func (h *httpHandler) handleGoodToGo(w http.ResponseWriter, _ *http.Request) {
	ok, reason := h.health.isGoodToGo()
	w.Header().Set("Content-Type", "text/plain; charset=US-ASCII")
	w.Header().Set("Cache-Control", "no-cache")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(reason)); err != nil {
			log.WithError(err).Error("Cannot write gtg response")
		}
		return
	}
	if _, err := w.Write([]byte("OK")); err != nil {
		log.WithError(err).Error("Cannot write gtg response")
	}
}

func getServiceNameFromURL(u *url.URL) string {
	return u.Query().Get("service-name")
}

func buildHealthcheckJSONResponse(w http.ResponseWriter, healthResult fthealth.HealthResult) {
	writeJSON(w, http.StatusOK, healthResult)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("Couldn't encode response body")
	}
}

func newAdminRouter(h *httpHandler, pathPrefix string, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	s := r.PathPrefix(pathPrefix).Subrouter()
	s.HandleFunc("/circuit-breakers", h.handleBreakerDashboard).Methods(http.MethodGet)
	s.HandleFunc("/circuit-breakers/{name}/open", h.handleOpenBreaker).Methods(http.MethodPost)
	s.HandleFunc("/circuit-breakers/{name}/close", h.handleCloseBreaker).Methods(http.MethodPost)
	s.HandleFunc("/variants", h.handleVariants).Methods(http.MethodGet)
	s.HandleFunc("/variants/{id}/conversions", h.handleConversion).Methods(http.MethodPost)
	s.HandleFunc("/__health", h.handleHealthCheck)
	s.HandleFunc("/__gtg", h.handleGoodToGo)
	s.HandleFunc("/__instances-health", h.handleInstancesHealthCheck)
	s.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}
