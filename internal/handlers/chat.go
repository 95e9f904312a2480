package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
)

// HandleMessages submits the "message" form field of the session named by "session_id" to the chat
// endpoint. The user message and the reply reach the page through the session's event stream; the
// response only reports the outcome. Failures answer with a status matching the error kind and the
// user-facing notice as body.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.lookupSession(w, r, r.FormValue("session_id"))
	if !ok {
		return
	}

	if _, err := s.orchestrator.SubmitText(r.Context(), r.FormValue("message")); err != nil {
		m.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleInput records the current content of the page's input field.
func (m Main) HandleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.lookupSession(w, r, r.FormValue("session_id"))
	if !ok {
		return
	}

	s.orchestrator.SetInput(r.FormValue("input"))

	w.WriteHeader(http.StatusNoContent)
}

// HandleConnectivity receives the browser's online and offline notifications.
func (m Main) HandleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.lookupSession(w, r, r.FormValue("session_id"))
	if !ok {
		return
	}

	online, err := strconv.ParseBool(r.FormValue("online"))
	if err != nil {
		m.logger.Error("Invalid online flag", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "online must be a boolean", http.StatusBadRequest)
		return
	}

	s.orchestrator.SetOnline(online)

	w.WriteHeader(http.StatusNoContent)
}

// HandleExport serves the session's message log as a plain-text attachment.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.lookupSession(w, r, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}

	exp, err := s.orchestrator.ExportLog()
	if err != nil {
		m.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.Filename))
	if _, err := io.WriteString(w, exp.Content); err != nil {
		m.logger.Error("Failed to write export",
			slog.String("sessionID", s.id),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) lookupSession(w http.ResponseWriter, r *http.Request, sessionID string) (*session, bool) {
	if sessionID == "" {
		m.logger.Error("Session ID is required", slog.String("path", r.URL.Path))
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return nil, false
	}

	s, ok := m.sessions.get(sessionID)
	if !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found. Reload the page to start a new conversation.", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (m Main) writeError(w http.ResponseWriter, err error) {
	http.Error(w, conversation.UserMessage(err), statusFor(err))
}

// statusFor maps a conversation error to the HTTP status answered to the page.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptyInput),
		errors.Is(err, conversation.ErrDevice),
		errors.Is(err, conversation.ErrEmptyCapture):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrOffline),
		errors.Is(err, conversation.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrMissingCredential):
		return http.StatusPreconditionFailed
	case errors.Is(err, conversation.ErrEmptyExport):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, conversation.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
