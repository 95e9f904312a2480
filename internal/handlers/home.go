package handlers

import (
	"log/slog"
	"net/http"

	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
)

type homePageData struct {
	SessionID      string
	ExportFilename string
}

// HandleHome serves the chat page. Every page load opens a fresh session with an empty message log, so
// reloading the page ends the previous conversation.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := m.newSession()

	data := homePageData{
		SessionID:      s.id,
		ExportFilename: conversation.ExportFilename,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleSSE streams the events of one session to the page. The session is torn down when the stream
// ends, which is how closing or reloading the page ends the conversation.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if _, ok := m.sessions.attach(sessionID); !ok {
		m.logger.Error("Session not found or already attached", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	m.sseSrv.ServeHTTP(w, r)

	if s, ok := m.sessions.remove(sessionID); ok {
		m.closeSession(s)
	}
}
