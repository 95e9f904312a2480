// Package conversation holds the per-session orchestration of the AutoFix chat: it gates submissions,
// drives the chat and transcription endpoints, records the message log and renders exports.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/autofix-assistant/autofix-web-ui/internal/models"
	"github.com/google/uuid"
)

// Chatter sends one stateless prompt to a chat endpoint and returns the assistant's reply text. The
// request carries only the system prompt and the user text; no history is sent.
type Chatter interface {
	Chat(ctx context.Context, systemPrompt, text string) (string, error)
}

// Transcriber converts a recorded audio payload to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Microphone grants access to an audio source. Open must fail with an error wrapping ErrDevice when
// access is denied or unsupported.
type Microphone interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream is an open capture. Chunks yields audio in capture order and is closed once the stream
// stops; Stop must close it even when it returns an error.
type AudioStream interface {
	Chunks() <-chan []byte
	Stop() error
}

const (
	// DefaultSystemPrompt is the fixed instruction sent ahead of every user message.
	DefaultSystemPrompt = "You are an expert automotive assistant. " +
		"Help users with car problems and give helpful advice."
	// DefaultChatTimeout bounds a single chat call.
	DefaultChatTimeout = 10 * time.Second
	// DefaultTranscriptionTimeout bounds a single transcription call.
	DefaultTranscriptionTimeout = 15 * time.Second
	// ExportFilename is the name given to every exported transcript.
	ExportFilename = "AutoFix_Report.txt"

	errLoggerKey = "err"
)

// Config contains the settings injected into an Orchestrator at construction.
type Config struct {
	SystemPrompt string
	// Credential is the bearer token of the chat endpoint. Submissions are refused while it is empty,
	// unless CredentialOptional is set for providers that take no token.
	Credential         string
	CredentialOptional bool

	ChatTimeout          time.Duration
	TranscriptionTimeout time.Duration
}

// State is a snapshot of the session flags and the current input text.
type State struct {
	Input        string
	Loading      bool
	Recording    bool
	Transcribing bool
	Online       bool
}

// EventType identifies what an Event carries.
type EventType string

const (
	// EventMessage is published when a message is appended to the log.
	EventMessage EventType = "message"
	// EventState is published when any session flag or the input text changes.
	EventState EventType = "state"
	// EventError is published when an operation fails.
	EventError EventType = "error"
)

// Event is a change notification sent to the orchestrator's observer.
type Event struct {
	Type    EventType
	Message models.Message
	State   State
	Err     error
}

// Export is the plain-text rendering of a message log.
type Export struct {
	Filename string
	Content  string
}

// Orchestrator owns the state of one conversation session. All session state is mutated through its
// methods only, and it is safe for concurrent use.
type Orchestrator struct {
	chatter     Chatter
	transcriber Transcriber
	microphone  Microphone
	cfg         Config

	logger *slog.Logger

	mu        sync.Mutex
	state     State
	messages  []models.Message
	recording *recording
	observer  func(Event)
}

type recording struct {
	stream AudioStream
	chunks [][]byte
	done   chan struct{}
}

// New creates an Orchestrator for a fresh session. The session starts online with an empty log. A nil
// microphone makes every recording attempt fail with ErrDevice.
func New(chatter Chatter, transcriber Transcriber, microphone Microphone, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = DefaultChatTimeout
	}
	if cfg.TranscriptionTimeout <= 0 {
		cfg.TranscriptionTimeout = DefaultTranscriptionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		chatter:     chatter,
		transcriber: transcriber,
		microphone:  microphone,
		cfg:         cfg,
		logger:      logger.With(slog.String("module", "conversation")),
		state:       State{Online: true},
	}
}

// OnEvent registers the observer that receives every event of this session. Events are delivered in order
// while the orchestrator holds its lock, so fn must not call back into the orchestrator.
func (o *Orchestrator) OnEvent(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.observer = fn
}

// SubmitText appends text as a user message, asks the chat endpoint for a reply and appends the reply as
// an assistant message.
//
// It fails with a PreconditionError, without touching the log or the network, when the text is blank,
// the session is offline, no credential is configured, or a previous submission is still outstanding.
// Once the call is issued, loading is reset and the input cleared whatever the outcome.
func (o *Orchestrator) SubmitText(ctx context.Context, text string) (models.Message, error) {
	text = strings.TrimSpace(text)

	o.mu.Lock()
	if err := o.submitPrecondition(text); err != nil {
		o.failLocked("submit", err)
		o.mu.Unlock()
		return models.Message{}, err
	}
	o.appendLocked(models.SenderUser, text)
	o.state.Loading = true
	o.publishStateLocked()
	o.mu.Unlock()

	defer o.finishChat()

	reply, err := o.chat(ctx, text)
	if err != nil {
		o.fail("chat", err)
		return models.Message{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.appendLocked(models.SenderAssistant, reply), nil
}

func (o *Orchestrator) submitPrecondition(text string) error {
	switch {
	case text == "":
		return precondition(ErrEmptyInput)
	case !o.state.Online:
		return precondition(ErrOffline)
	case o.cfg.Credential == "" && !o.cfg.CredentialOptional:
		return precondition(ErrMissingCredential)
	case o.state.Loading:
		return precondition(ErrBusy)
	}
	return nil
}

func (o *Orchestrator) chat(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ChatTimeout)
	defer cancel()

	start := time.Now()
	reply, err := o.chatter.Chat(ctx, o.cfg.SystemPrompt, text)
	if err != nil {
		return "", classify("chat", err)
	}

	o.logger.Debug("Chat reply received",
		slog.Int("length", len(reply)),
		slog.Duration("elapsed", time.Since(start)))

	return reply, nil
}

func (o *Orchestrator) finishChat() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.Loading = false
	o.state.Input = ""
	o.publishStateLocked()
}

// ToggleRecording starts a recording when idle and stops it when recording.
//
// Starting opens the microphone; a denied or unsupported device leaves the session idle with ErrDevice.
// Stopping waits for the capture to drain, then sends the concatenated audio to the transcription endpoint
// and replaces the input text with the transcript, which is also returned. A capture with no audio fails
// with ErrEmptyCapture and makes no call; an empty transcript or a failed call fails with ErrTranscription.
// Starting or stopping returns an empty transcript.
func (o *Orchestrator) ToggleRecording(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.state.Transcribing {
		err := precondition(ErrBusy)
		o.failLocked("record", err)
		o.mu.Unlock()
		return "", err
	}
	if o.recording == nil {
		defer o.mu.Unlock()
		return "", o.startRecordingLocked(ctx)
	}

	rec := o.recording
	o.recording = nil
	o.state.Recording = false
	o.state.Transcribing = true
	o.publishStateLocked()
	o.mu.Unlock()

	defer o.finishTranscription()

	audio, err := rec.stop(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ErrTranscription, classify("transcription", err))
			o.fail("transcribe", err)
			return "", err
		}
		o.logger.Warn("Audio stream did not stop cleanly", slog.String(errLoggerKey, err.Error()))
	}
	if len(audio) == 0 {
		o.fail("record", ErrEmptyCapture)
		return "", ErrEmptyCapture
	}

	transcript, err := o.transcribe(ctx, audio)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTranscription, err)
		o.fail("transcribe", err)
		return "", err
	}

	o.mu.Lock()
	o.state.Input = transcript
	o.mu.Unlock()

	return transcript, nil
}

func (o *Orchestrator) startRecordingLocked(ctx context.Context) error {
	if o.microphone == nil {
		err := fmt.Errorf("%w: no microphone attached", ErrDevice)
		o.failLocked("record", err)
		return err
	}

	stream, err := o.microphone.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrDevice) {
			err = fmt.Errorf("%w: %w", ErrDevice, err)
		}
		o.failLocked("record", err)
		return err
	}

	rec := &recording{
		stream: stream,
		done:   make(chan struct{}),
	}
	go rec.collect()

	o.recording = rec
	o.state.Recording = true
	o.publishStateLocked()

	o.logger.Debug("Recording started")

	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TranscriptionTimeout)
	defer cancel()

	text, err := o.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", classify("transcription", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty transcript")
	}

	o.logger.Debug("Transcript received", slog.Int("audioBytes", len(audio)), slog.Int("length", len(text)))

	return text, nil
}

func (o *Orchestrator) finishTranscription() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.Transcribing = false
	o.publishStateLocked()
}

func (r *recording) collect() {
	defer close(r.done)

	for chunk := range r.stream.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		r.chunks = append(r.chunks, chunk)
	}
}

// stop ends the capture and returns the audio accumulated so far. If ctx ends before the capture drains,
// the returned error wraps ctx.Err().
func (r *recording) stop(ctx context.Context) ([]byte, error) {
	stopErr := r.stream.Stop()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("capture did not drain: %w", errors.Join(stopErr, ctx.Err()))
	}

	size := 0
	for _, chunk := range r.chunks {
		size += len(chunk)
	}
	audio := make([]byte, 0, size)
	for _, chunk := range r.chunks {
		audio = append(audio, chunk...)
	}

	return audio, stopErr
}

// ExportLog renders the message log as plain text, one line per message. It fails with ErrEmptyExport
// when there is nothing to export.
func (o *Orchestrator) ExportLog() (Export, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.messages) == 0 {
		o.failLocked("export", ErrEmptyExport)
		return Export{}, ErrEmptyExport
	}

	return Export{
		Filename: ExportFilename,
		Content:  models.RenderTranscript(o.messages),
	}, nil
}

// SetInput replaces the current input text.
func (o *Orchestrator) SetInput(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Input == text {
		return
	}
	o.state.Input = text
	o.publishStateLocked()
}

// SetOnline records the host's connectivity. Submissions are refused while offline.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Online == online {
		return
	}
	o.state.Online = online
	o.publishStateLocked()

	o.logger.Info("Connectivity changed", slog.Bool("online", online))
}

// State returns a snapshot of the session flags.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// Messages returns a copy of the message log in display order.
func (o *Orchestrator) Messages() []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	return slices.Clone(o.messages)
}

// Close tears the session down, releasing the microphone if a recording is active. It is safe to call more
// than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.recording == nil {
		return nil
	}

	rec := o.recording
	o.recording = nil
	o.state.Recording = false

	if err := rec.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return nil
}

func (o *Orchestrator) appendLocked(sender models.Sender, text string) models.Message {
	msg := models.Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
	}
	o.messages = append(o.messages, msg)
	o.publishLocked(Event{Type: EventMessage, Message: msg})
	return msg
}

func (o *Orchestrator) publishStateLocked() {
	o.publishLocked(Event{Type: EventState, State: o.state})
}

func (o *Orchestrator) publishLocked(e Event) {
	if o.observer == nil {
		return
	}
	o.observer(e)
}

func (o *Orchestrator) fail(op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failLocked(op, err)
}

func (o *Orchestrator) failLocked(op string, err error) {
	level := slog.LevelError
	var pe *PreconditionError
	if errors.As(err, &pe) {
		level = slog.LevelWarn
	}
	o.logger.Log(context.Background(), level, "Operation failed",
		slog.String("op", op),
		slog.String(errLoggerKey, err.Error()))
	o.publishLocked(Event{Type: EventError, Err: err})
}

// classify normalizes an endpoint error so that every failure carries one of the remote error kinds.
func classify(endpoint string, err error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(endpoint, err)
	}
	return NewRemoteError(endpoint, 0, err)
}
