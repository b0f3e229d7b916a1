package admin

import (
	"net/http"

	"github.com/maxpert/cdc-relay/encoding"
	"github.com/maxpert/cdc-relay/relay"
	"github.com/rs/zerolog/log"
)

// StatusProvider is implemented by the publisher and consumer loops
type StatusProvider interface {
	Status() relay.Status
}

// Handlers serves the admin endpoints for one control loop
type Handlers struct {
	provider StatusProvider
	metrics  http.Handler
}

// NewHandlers creates admin handlers; metrics may be nil when Prometheus is off
func NewHandlers(provider StatusProvider, metrics http.Handler) *Handlers {
	return &Handlers{provider: provider, metrics: metrics}
}

// handleHealth reports 200 while the loop is running and 503 once it stopped
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.provider.Status()
	body := map[string]interface{}{
		"loop":      status.Loop,
		"state":     status.State,
		"connected": status.Connected,
	}

	if status.State == relay.StateStopped.String() {
		body["status"] = "stopped"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.provider.Status())
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeErrorResponse(w, http.StatusNotFound, "metrics are not enabled")
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := encoding.JSON.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
