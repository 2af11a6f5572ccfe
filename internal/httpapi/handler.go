package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/auth"
	"github.com/syncwave/syncwave/internal/blob"
	"github.com/syncwave/syncwave/internal/lifecycle"
	"github.com/syncwave/syncwave/internal/models"
	"github.com/syncwave/syncwave/internal/store"
)

// Handler serves the REST surface next to the WebSocket channel: session
// bootstrap, snapshots, song uploads and the coarse HTTP clock probe.
type Handler struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	uploader  blob.Uploader
	issuer    *auth.Issuer
	tokens    *auth.TokenStore
	clock     clockwork.Clock
	broadcast func(sessionID string, tracks []models.Track)
	maxUpload int64
}

// NewHandler creates the REST handler. broadcast, when non-nil, is invoked
// after a successful upload so connected listeners see the new track without
// polling.
func NewHandler(
	st *store.Store,
	lc *lifecycle.Manager,
	uploader blob.Uploader,
	issuer *auth.Issuer,
	tokens *auth.TokenStore,
	clock clockwork.Clock,
	broadcast func(sessionID string, tracks []models.Track),
) *Handler {
	return &Handler{
		store:     st,
		lifecycle: lc,
		uploader:  uploader,
		issuer:    issuer,
		tokens:    tokens,
		clock:     clock,
		broadcast: broadcast,
		maxUpload: blob.MaxUploadSize,
	}
}

// RegisterRoutes mounts all REST endpoints. authed wraps a handler with the
// token middleware; the guest login and the clock probe stay public.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, authed func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /api/auth/guest", h.guestLogin)
	mux.HandleFunc("POST /timesync", h.timeSync)

	mux.Handle("POST /api/sessions", authed(http.HandlerFunc(h.createSession)))
	mux.Handle("POST /api/sessions/{id}/join", authed(http.HandlerFunc(h.joinSession)))
	mux.Handle("GET /api/sessions/{id}", authed(http.HandlerFunc(h.getSession)))
	mux.Handle("GET /api/sessions/{id}/tracks", authed(http.HandlerFunc(h.getTracks)))
	mux.Handle("POST /api/sessions/{id}/songs", authed(http.HandlerFunc(h.uploadSongs)))
}

type guestLoginRequest struct {
	DisplayName string `json:"display_name"`
}

type guestLoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) guestLogin(w http.ResponseWriter, r *http.Request) {
	var req guestLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	userID := uuid.New().String()
	now := time.Now()
	token, err := h.issuer.Issue(userID, req.DisplayName, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to issue token")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	expiresAt := now.Add(h.issuer.TTL())
	if err := h.tokens.StoreToken(r.Context(), &auth.TokenInfo{
		UserID:      userID,
		DisplayName: req.DisplayName,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}); err != nil {
		log.Error().Err(err).Msg("failed to register token")
		writeError(w, http.StatusInternalServerError, "failed to register token")
		return
	}

	writeJSON(w, http.StatusCreated, guestLoginResponse{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt,
	})
}

type createSessionRequest struct {
	SessionName string `json:"session_name"`
}

type sessionResponse struct {
	SessionID        string         `json:"session_id"`
	SessionName      string         `json:"session_name"`
	Tracks           []models.Track `json:"tracks"`
	CurrentTrack     *models.Track  `json:"current_track,omitempty"`
	Position         float64        `json:"position"`
	IsPlaying        bool           `json:"is_playing"`
	ParticipantCount int            `json:"participant_count"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (h *Handler) sessionToResponse(sess *models.Session) sessionResponse {
	return sessionResponse{
		SessionID:        sess.SessionID,
		SessionName:      sess.Name,
		Tracks:           sess.Tracks,
		CurrentTrack:     sess.CurrentTrack,
		Position:         sess.ProjectedPosition(h.clock.Now()),
		IsPlaying:        sess.IsPlaying,
		ParticipantCount: sess.ParticipantCount(),
		CreatedAt:        sess.CreatedAt,
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req createSessionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	sessionID := uuid.New().String()
	sess, _ := h.store.GetOrCreate(r.Context(), sessionID, req.SessionName, id.UserID)
	writeJSON(w, http.StatusCreated, h.sessionToResponse(sess))
}

func (h *Handler) joinSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	sessionID := models.NormalizeSessionID(r.PathValue("id"))

	if _, err := h.store.Find(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if _, _, err := h.lifecycle.AddParticipant(sessionID, id.UserID, id.DisplayName); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := h.store.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, h.sessionToResponse(sess))
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := models.NormalizeSessionID(r.PathValue("id"))
	sess, err := h.store.Find(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, h.sessionToResponse(sess))
}

func (h *Handler) getTracks(w http.ResponseWriter, r *http.Request) {
	sessionID := models.NormalizeSessionID(r.PathValue("id"))
	sess, err := h.store.Find(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": sess.Tracks})
}

type timeSyncRequest struct {
	ClientTime time.Time `json:"client_time"`
}

type timeSyncResponse struct {
	ClientTime time.Time `json:"client_time"`
	ServerTime time.Time `json:"server_time"`
}

// timeSync is the coarse HTTP probe; the WebSocket handshake supersedes it
// once a connection is up.
func (h *Handler) timeSync(w http.ResponseWriter, r *http.Request) {
	var req timeSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid timesync payload")
		return
	}
	writeJSON(w, http.StatusOK, timeSyncResponse{
		ClientTime: req.ClientTime,
		ServerTime: h.clock.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
