package gateway

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/auth"
)

// Handler exposes the WebSocket endpoint. The auth middleware runs ahead of
// it, so every upgrade request carries a verified identity.
type Handler struct {
	conns *ConnectionManager
}

// NewHandler creates the WebSocket HTTP handler.
func NewHandler(conns *ConnectionManager) *Handler {
	return &Handler{conns: conns}
}

// ServeWS upgrades the request to a WebSocket connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if _, err := h.conns.UpgradeConnection(w, r, id.UserID, id.DisplayName); err != nil {
		log.Error().Err(err).Str("user_id", id.UserID).Msg("websocket upgrade failed")
	}
}
