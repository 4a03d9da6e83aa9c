package socket

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"

	"github.com/tickstock/relay/internal/monitoring"
)

// AdmissionGuard gates new connections on capacity and resource pressure.
type AdmissionGuard interface {
	ShouldAcceptConnection() (accept bool, reason string)
}

// Handler upgrades HTTP requests to WebSocket connections and registers them
// with the hub.
type Handler struct {
	hub          *Hub
	guard        AdmissionGuard
	shuttingDown atomic.Bool
}

// NewHandler creates the /ws upgrade handler. guard may be nil.
func NewHandler(hub *Hub, guard AdmissionGuard) *Handler {
	return &Handler{hub: hub, guard: guard}
}

// SetShuttingDown makes the handler reject new connections during graceful
// shutdown.
func (h *Handler) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

// ServeHTTP handles the WebSocket upgrade. The owning user is identified by
// the user_id query parameter; session authentication happens at the edge in
// front of this process.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if h.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if h.guard != nil {
		if accept, reason := h.guard.ShouldAcceptConnection(); !accept {
			h.hub.logger.Warn().
				Str("client_ip", clientIP).
				Str("user_id", userID).
				Str("reason", reason).
				Msg("Connection rejected")
			monitoring.ConnectionsFailed.Inc()
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		h.hub.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_id", userID).
			Msg("WebSocket upgrade failed")
		return
	}

	h.hub.Register(userID, conn)
}

// clientIP extracts the client IP, preferring X-Forwarded-For when a load
// balancer sits in front.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
