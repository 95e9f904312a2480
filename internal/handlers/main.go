package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	autofix "github.com/autofix-assistant/autofix-web-ui"
	"github.com/autofix-assistant/autofix-web-ui/internal/capture"
	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
	"github.com/autofix-assistant/autofix-web-ui/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Main handles the core functionality of the chat application. It keeps one conversation orchestrator per
// browser session, serves the HTML templates and pushes session events to the page through server-sent
// events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	chatter     conversation.Chatter
	transcriber conversation.Transcriber
	cfg         conversation.Config

	sessions *sessions

	logger *slog.Logger
}

type session struct {
	id           string
	orchestrator *conversation.Orchestrator
	device       *capture.Device
	createdAt    time.Time
	attached     bool
}

type sessions struct {
	mu   sync.Mutex
	byID map[string]*session
}

// message is the view model of a rendered chat bubble.
type message struct {
	ID        string
	Sender    string
	Label     string
	Content   template.HTML
	Timestamp time.Time
}

type stateView struct {
	Input        string `json:"input"`
	Loading      bool   `json:"loading"`
	Recording    bool   `json:"recording"`
	Transcribing bool   `json:"transcribing"`
	Online       bool   `json:"online"`
}

// SSE event types for real-time updates.
var (
	messagesSSEType     = sse.Type("messages")
	stateSSEType        = sse.Type("state")
	closeSessionSSEType = sse.Type("closeSession")
)

const (
	errLoggerKey = "err"

	// unattachedSessionTTL is how long a rendered page may take to open its event stream before its session
	// is discarded.
	unattachedSessionTTL = time.Minute
)

// NewMain creates a new Main instance that opens sessions against the given chat and transcription
// endpoints. It parses the required HTML templates from the embedded filesystem and configures the SSE
// server to subscribe each client to its own session topic.
func NewMain(
	chatter conversation.Chatter,
	transcriber conversation.Transcriber,
	cfg conversation.Config,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		autofix.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				sessionID := s.Req.URL.Query().Get("session_id")
				if sessionID == "" {
					return sse.Subscription{}, false
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, sessionTopic(sessionID)},
				}, true
			},
		},
		templates:   tmpl,
		markdown:    md,
		chatter:     chatter,
		transcriber: transcriber,
		cfg:         cfg,
		sessions:    &sessions{byID: make(map[string]*session)},
		logger:      logger.With(slog.String("module", "main")),
	}, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// Shutdown gracefully terminates the Main instance's SSE server and tears down every open session. It
// broadcasts a close message to all connected clients and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: closeSessionSSEType}
	// Every SSE event must carry data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	for _, s := range m.sessions.drain() {
		m.closeSession(s)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// newSession opens a session with its own orchestrator and capture device. Sessions whose page never
// connected to the event stream are pruned first.
func (m Main) newSession() *session {
	for _, s := range m.sessions.prune(time.Now().Add(-unattachedSessionTTL)) {
		m.logger.Debug("Pruning unattached session", slog.String("sessionID", s.id))
		m.closeSession(s)
	}

	device := capture.NewDevice()
	s := &session{
		id:           uuid.New().String(),
		orchestrator: conversation.New(m.chatter, m.transcriber, device, m.cfg, m.logger),
		device:       device,
		createdAt:    time.Now(),
	}
	s.orchestrator.OnEvent(func(e conversation.Event) {
		m.publishEvent(s.id, e)
	})

	m.sessions.add(s)

	m.logger.Info("Session opened", slog.String("sessionID", s.id))

	return s
}

func (m Main) closeSession(s *session) {
	if err := s.orchestrator.Close(); err != nil {
		m.logger.Error("Failed to close session",
			slog.String("sessionID", s.id),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m.logger.Info("Session closed", slog.String("sessionID", s.id))
}

func (m Main) publishEvent(sessionID string, e conversation.Event) {
	msg := sse.Message{}

	switch e.Type {
	case conversation.EventMessage:
		rendered, err := m.renderMessage(e.Message)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("message", fmt.Sprintf("%+v", e.Message)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.Type = messagesSSEType
		msg.AppendData(rendered)
	case conversation.EventState:
		data, err := json.Marshal(stateView{
			Input:        e.State.Input,
			Loading:      e.State.Loading,
			Recording:    e.State.Recording,
			Transcribing: e.State.Transcribing,
			Online:       e.State.Online,
		})
		if err != nil {
			m.logger.Error("Failed to marshal state", slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.Type = stateSSEType
		msg.AppendData(string(data))
	default:
		// Failures reach the page as the response of the request that caused them.
		return
	}

	if err := m.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) renderMessage(msg models.Message) (string, error) {
	content, err := m.renderContent(msg)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = m.templates.ExecuteTemplate(&buf, "message", message{
		ID:        msg.ID,
		Sender:    string(msg.Sender),
		Label:     msg.Sender.Label(),
		Content:   content,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return buf.String(), nil
}

// renderContent renders assistant replies as Markdown. User text is shown verbatim.
func (m Main) renderContent(msg models.Message) (template.HTML, error) {
	if msg.Sender == models.SenderUser {
		return template.HTML("<p>" + template.HTMLEscapeString(msg.Text) + "</p>"), nil
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(msg.Text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	// Raw HTML in the reply is omitted by the renderer, so the output is safe to embed.
	return template.HTML(buf.String()), nil
}

func (s *sessions) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[sess.id] = sess
}

func (s *sessions) get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	return sess, ok
}

// attach marks the session as connected to an event stream. It fails if the session is unknown or
// already attached.
func (s *sessions) attach(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok || sess.attached {
		return nil, false
	}
	sess.attached = true
	return sess, true
}

func (s *sessions) remove(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	delete(s.byID, id)
	return sess, ok
}

// prune removes sessions created before cutoff that never attached an event stream.
func (s *sessions) prune(cutoff time.Time) []*session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []*session
	for id, sess := range s.byID {
		if !sess.attached && sess.createdAt.Before(cutoff) {
			pruned = append(pruned, sess)
			delete(s.byID, id)
		}
	}
	return pruned
}

func (s *sessions) drain() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*session, 0, len(s.byID))
	for id, sess := range s.byID {
		all = append(all, sess)
		delete(s.byID, id)
	}
	return all
}
