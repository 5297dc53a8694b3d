package handlers

import (
	"context"
	"net/http"
	"time"
)

// Probe reports whether the device can serve requests.
type Probe interface {
	Ready(ctx context.Context) error
}

// StatusFunc returns a snapshot of the device for readiness responses.
type StatusFunc func(ctx context.Context) (any, error)

// HealthResponse is the envelope of the health endpoints. Status is
// "healthy" or "unhealthy"; Error carries the reason when unhealthy.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func healthy(data any) HealthResponse {
	return HealthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthy(reason string) HealthResponse {
	return HealthResponse{Status: "unhealthy", Timestamp: time.Now().UTC(), Error: reason}
}

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated:
//   - Liveness probe: is the agent process running?
//   - Readiness probe: is the flash stack open and healthy?
type HealthHandler struct {
	probe  Probe
	status StatusFunc
}

// NewHealthHandler creates a new health handler. probe may be nil, in which
// case readiness always fails; status may be nil.
func NewHealthHandler(probe Probe, status StatusFunc) *HealthHandler {
	return &HealthHandler{probe: probe, status: status}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK as long as the HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthy(map[string]string{
		"service": "flashkv",
	}))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK with the device status when the synchronizer is open and
// not faulted and the filesystem answers, 503 otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.probe == nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthy("device not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.probe.Ready(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthy(err.Error()))
		return
	}

	var data any
	if h.status != nil {
		st, err := h.status(ctx)
		if err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, unhealthy(err.Error()))
			return
		}
		data = st
	}
	WriteJSON(w, http.StatusOK, healthy(data))
}
