package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port    int
	server  *http.Server
	started time.Time

	mu     sync.RWMutex
	status HealthStatus
	chosen map[calls.GroupID]bool
}

// HealthStatus represents the current health status
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	NATSConnected bool   `json:"nats_connected"`
	JoinedCall    string `json:"joined_call,omitempty"`
	ChosenCalls   int    `json:"chosen_calls"`
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
}

// NewHealthServer creates a new health server
func NewHealthServer(port int) *HealthServer {
	h := &HealthServer{
		port:    port,
		started: time.Now(),
		status:  HealthStatus{Version: Version},
		chosen:  make(map[calls.GroupID]bool),
	}
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Handler returns the endpoint mux.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)
	return mux
}

// Start serves until Stop is called
func (h *HealthServer) Start() {
	log.Info().Int("port", h.port).Msg("Starting health server")

	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop stops the health server
func (h *HealthServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.server.Shutdown(ctx)
}

// SetNATSConnected records the NATS connection state
func (h *HealthServer) SetNATSConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.NATSConnected = connected
	h.status.Healthy = connected
}

// Observe tracks the joined call and the groups with a chosen call.
func (h *HealthServer) Observe(ev coordinator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev.Kind {
	case coordinator.EventJoined:
		h.status.JoinedCall = ev.Call.ID.String()
	case coordinator.EventLeft:
		if h.status.JoinedCall == ev.Call.ID.String() {
			h.status.JoinedCall = ""
		}
	case coordinator.EventChosen:
		if ev.Call != nil {
			h.chosen[ev.Group] = true
		} else {
			delete(h.chosen, ev.Group)
		}
		h.status.ChosenCalls = len(h.chosen)
	}
}

func (h *HealthServer) snapshot() HealthStatus {
	h.mu.RLock()
	status := h.status
	h.mu.RUnlock()
	status.Uptime = time.Since(h.started).String()
	return status
}

// handleHealth handles the /health endpoint
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady handles the /ready endpoint (for Kubernetes readiness probes)
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.snapshot().Healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()

	gauge := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP groupcall_healthy Whether the manager is healthy\n")
	fmt.Fprintf(w, "# TYPE groupcall_healthy gauge\n")
	fmt.Fprintf(w, "groupcall_healthy %d\n", gauge(status.Healthy))
	fmt.Fprintf(w, "# HELP groupcall_nats_connected Whether connected to NATS\n")
	fmt.Fprintf(w, "# TYPE groupcall_nats_connected gauge\n")
	fmt.Fprintf(w, "groupcall_nats_connected %d\n", gauge(status.NATSConnected))
	fmt.Fprintf(w, "# HELP groupcall_joined Whether a group call is joined\n")
	fmt.Fprintf(w, "# TYPE groupcall_joined gauge\n")
	fmt.Fprintf(w, "groupcall_joined %d\n", gauge(status.JoinedCall != ""))
	fmt.Fprintf(w, "# HELP groupcall_chosen_calls Groups with a chosen call\n")
	fmt.Fprintf(w, "# TYPE groupcall_chosen_calls gauge\n")
	fmt.Fprintf(w, "groupcall_chosen_calls %d\n", status.ChosenCalls)
	fmt.Fprintf(w, "# HELP groupcall_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE groupcall_uptime_seconds counter\n")
	fmt.Fprintf(w, "groupcall_uptime_seconds %.0f\n", time.Since(h.started).Seconds())
}
