package gateway

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/protocol"
)

// WebSocketHandler handles WebSocket upgrade requests
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleConnection upgrades /ws. The connection joins a session on its
// first hello; enc=msgpack selects binary outbound frames.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	enc := protocol.ParseEncoding(r.URL.Query().Get("enc"))

	// the upgrader has already written an HTTP error on failure
	if err := h.connectionManager.UpgradeConnection(w, r, enc); err != nil {
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.GetConnectionStats())
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
