package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/autofix-assistant/autofix-web-ui/internal/capture"
)

type recordingResponse struct {
	Recording  bool   `json:"recording"`
	Transcript string `json:"transcript,omitempty"`
}

// maxChunkBytes bounds a single uploaded audio chunk.
const maxChunkBytes = 4 << 20

// HandleRecording toggles the session's recording. When starting, the "permission" form field carries the
// outcome of the browser's microphone request. When stopping, the request waits for the transcription
// and answers with the transcript that replaced the input.
func (m Main) HandleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.lookupSession(w, r, r.FormValue("session_id"))
	if !ok {
		return
	}

	if permission := r.FormValue("permission"); permission != "" {
		s.device.SetPermission(capture.ParsePermission(permission))
	}

	transcript, err := s.orchestrator.ToggleRecording(r.Context())
	if err != nil {
		m.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(recordingResponse{
		Recording:  s.orchestrator.State().Recording,
		Transcript: transcript,
	}); err != nil {
		m.logger.Error("Failed to encode recording response", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleRecordingChunks accepts one encoded audio chunk of the active recording as the raw request body.
func (m Main) HandleRecordingChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.lookupSession(w, r, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}

	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		m.logger.Error("Failed to read audio chunk", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Audio chunk is too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.device.Push(r.Context(), chunk); err != nil {
		if errors.Is(err, capture.ErrNotRecording) {
			http.Error(w, "No recording in progress", http.StatusConflict)
			return
		}
		m.logger.Error("Failed to push audio chunk",
			slog.String("sessionID", s.id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
