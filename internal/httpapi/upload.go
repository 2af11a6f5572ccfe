package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/blob"
	"github.com/syncwave/syncwave/internal/models"
)

// uploadStatus is one NDJSON record on the upload response stream. The
// stream always opens with "uploading" and terminates with "complete" or
// "error"; validation failures are rejected before the stream starts.
type uploadStatus struct {
	Status   string        `json:"status"`
	FileName string        `json:"file_name,omitempty"`
	Track    *models.Track `json:"track,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func (h *Handler) uploadSongs(w http.ResponseWriter, r *http.Request) {
	sessionID := models.NormalizeSessionID(r.PathValue("id"))
	if _, err := h.store.Find(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if h.uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "song storage is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := r.FormFile("song")
	if err != nil {
		writeError(w, http.StatusBadRequest, "song file is required and must be under the size limit")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !blob.IsAudioContentType(contentType) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported content type %q", contentType))
		return
	}
	if header.Size > h.maxUpload {
		writeError(w, http.StatusBadRequest, "file exceeds the upload size limit")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	writeStatus := func(st uploadStatus) {
		if err := enc.Encode(st); err != nil {
			log.Warn().Err(err).Msg("failed to write upload status record")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeStatus(uploadStatus{Status: "uploading", FileName: header.Filename})

	objectName := fmt.Sprintf("sessions/%s/%s%s", sessionID, uuid.New().String(), path.Ext(header.Filename))
	url, err := h.uploader.Upload(r.Context(), objectName, contentType, file)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("song upload failed")
		writeStatus(uploadStatus{Status: "error", FileName: header.Filename, Error: "upload failed"})
		return
	}

	track := models.Track{
		Name:    header.Filename,
		URL:     url,
		AddedAt: h.clock.Now(),
	}
	snap, err := h.store.Apply(sessionID, func(s *models.Session) {
		s.Tracks = append(s.Tracks, track)
	})
	if err != nil {
		writeStatus(uploadStatus{Status: "error", FileName: header.Filename, Error: "session vanished during upload"})
		return
	}

	if h.broadcast != nil {
		h.broadcast(sessionID, snap.Tracks)
	}
	writeStatus(uploadStatus{Status: "complete", FileName: header.Filename, Track: &track})
}
