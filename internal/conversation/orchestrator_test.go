package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
	"github.com/autofix-assistant/autofix-web-ui/internal/models"
)

type fakeChatter struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   chan struct{}
	prompts []string
	texts   []string
}

type fakeTranscriber struct {
	mu     sync.Mutex
	text   string
	err    error
	audios [][]byte
}

type fakeMicrophone struct {
	stream *fakeStream
	err    error
}

type fakeStream struct {
	chunks  chan []byte
	once    sync.Once
	stopped atomic.Bool
}

func newOrchestrator(chatter *fakeChatter, transcriber *fakeTranscriber, mic conversation.Microphone) *conversation.Orchestrator {
	return conversation.New(chatter, transcriber, mic, conversation.Config{Credential: "sk-test"}, nil)
}

func TestSubmitText(t *testing.T) {
	chatter := &fakeChatter{reply: "Check the battery terminals."}
	o := newOrchestrator(chatter, &fakeTranscriber{}, nil)

	reply, err := o.SubmitText(context.Background(), "  My car won't start  ")
	if err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	if reply.Text != "Check the battery terminals." || reply.Sender != models.SenderAssistant {
		t.Errorf("SubmitText() reply = %+v", reply)
	}

	msgs := o.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() len = %d, want 2", len(msgs))
	}
	if msgs[0].Sender != models.SenderUser || msgs[0].Text != "My car won't start" {
		t.Errorf("Messages()[0] = %+v, want user message", msgs[0])
	}
	if msgs[1].Sender != models.SenderAssistant || msgs[1].Text != "Check the battery terminals." {
		t.Errorf("Messages()[1] = %+v, want assistant message", msgs[1])
	}

	if len(chatter.texts) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(chatter.texts))
	}
	if chatter.prompts[0] != conversation.DefaultSystemPrompt {
		t.Errorf("system prompt = %q, want default", chatter.prompts[0])
	}

	st := o.State()
	if st.Loading {
		t.Error("State().Loading should be false after the call")
	}
	if st.Input != "" {
		t.Errorf("State().Input = %q, want empty", st.Input)
	}
}

func TestSubmitTextPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		cfg     conversation.Config
		offline bool
		text    string
		wantErr error
	}{
		{
			name:    "Blank input",
			cfg:     conversation.Config{Credential: "sk-test"},
			text:    "   ",
			wantErr: conversation.ErrEmptyInput,
		},
		{
			name:    "Offline",
			cfg:     conversation.Config{Credential: "sk-test"},
			offline: true,
			text:    "Hello",
			wantErr: conversation.ErrOffline,
		},
		{
			name:    "Missing credential",
			cfg:     conversation.Config{},
			text:    "Hello",
			wantErr: conversation.ErrMissingCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chatter := &fakeChatter{reply: "unused"}
			o := conversation.New(chatter, &fakeTranscriber{}, nil, tt.cfg, nil)
			o.SetInput(tt.text)
			if tt.offline {
				o.SetOnline(false)
			}

			_, err := o.SubmitText(context.Background(), tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SubmitText() error = %v, want %v", err, tt.wantErr)
			}
			var pe *conversation.PreconditionError
			if !errors.As(err, &pe) {
				t.Errorf("SubmitText() error = %T, want *PreconditionError", err)
			}
			if n := len(o.Messages()); n != 0 {
				t.Errorf("Messages() len = %d, want 0", n)
			}
			if n := len(chatter.texts); n != 0 {
				t.Errorf("chat calls = %d, want 0", n)
			}
			if got := o.State().Input; got != tt.text {
				t.Errorf("State().Input = %q, want %q untouched", got, tt.text)
			}
		})
	}
}

func TestSubmitTextCredentialOptional(t *testing.T) {
	chatter := &fakeChatter{reply: "Sure."}
	o := conversation.New(chatter, &fakeTranscriber{}, nil, conversation.Config{CredentialOptional: true}, nil)

	if _, err := o.SubmitText(context.Background(), "Hello"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	if n := len(o.Messages()); n != 2 {
		t.Errorf("Messages() len = %d, want 2", n)
	}
}

func TestSubmitTextRemoteErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{
			name:    "Unauthorized",
			err:     conversation.NewRemoteError("chat", 401, errors.New("invalid api key")),
			wantErr: conversation.ErrUnauthorized,
		},
		{
			name:    "Rate limited",
			err:     conversation.NewRemoteError("chat", 429, errors.New("quota exceeded")),
			wantErr: conversation.ErrRateLimited,
		},
		{
			name:    "Server error",
			err:     conversation.NewRemoteError("chat", 503, errors.New("overloaded")),
			wantErr: conversation.ErrTransport,
		},
		{
			name:    "Unclassified error",
			err:     errors.New("connection reset by peer"),
			wantErr: conversation.ErrTransport,
		},
		{
			name:    "Malformed reply",
			err:     conversation.NewMalformedError("chat", errors.New("no choices")),
			wantErr: conversation.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chatter := &fakeChatter{err: tt.err}
			o := newOrchestrator(chatter, &fakeTranscriber{}, nil)
			o.SetInput("Hello")

			_, err := o.SubmitText(context.Background(), "Hello")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SubmitText() error = %v, want %v", err, tt.wantErr)
			}

			msgs := o.Messages()
			if len(msgs) != 1 || msgs[0].Sender != models.SenderUser {
				t.Errorf("Messages() = %+v, want only the user message", msgs)
			}
			st := o.State()
			if st.Loading {
				t.Error("State().Loading should be reset after a failure")
			}
			if st.Input != "" {
				t.Errorf("State().Input = %q, want cleared", st.Input)
			}
		})
	}
}

func TestSubmitTextTimeout(t *testing.T) {
	chatter := &fakeChatter{block: make(chan struct{})}
	o := conversation.New(chatter, &fakeTranscriber{}, nil, conversation.Config{
		Credential:  "sk-test",
		ChatTimeout: 20 * time.Millisecond,
	}, nil)

	_, err := o.SubmitText(context.Background(), "Hello")
	if !errors.Is(err, conversation.ErrTimeout) {
		t.Errorf("SubmitText() error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, conversation.ErrTransport) {
		t.Errorf("SubmitText() error = %v, want timeout to be a transport error", err)
	}
}

func TestSubmitTextBusy(t *testing.T) {
	chatter := &fakeChatter{reply: "First reply", block: make(chan struct{})}
	o := newOrchestrator(chatter, &fakeTranscriber{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.SubmitText(context.Background(), "First")
		done <- err
	}()

	waitFor(t, func() bool { return o.State().Loading })

	_, err := o.SubmitText(context.Background(), "Second")
	if !errors.Is(err, conversation.ErrBusy) {
		t.Errorf("SubmitText() error = %v, want ErrBusy", err)
	}

	close(chatter.block)
	if err := <-done; err != nil {
		t.Fatalf("first SubmitText() error = %v", err)
	}

	msgs := o.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() len = %d, want 2", len(msgs))
	}
	if msgs[0].Text != "First" || msgs[1].Text != "First reply" {
		t.Errorf("Messages() = %+v", msgs)
	}
	if n := len(chatter.texts); n != 1 {
		t.Errorf("chat calls = %d, want 1", n)
	}
}

func TestToggleRecording(t *testing.T) {
	stream := newFakeStream([]byte("web"), []byte("m-"), nil, []byte("audio"))
	transcriber := &fakeTranscriber{text: "check engine light"}
	o := newOrchestrator(&fakeChatter{}, transcriber, &fakeMicrophone{stream: stream})
	o.SetInput("previous text")

	if _, err := o.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("ToggleRecording() start error = %v", err)
	}
	if !o.State().Recording {
		t.Fatal("State().Recording should be true after start")
	}

	text, err := o.ToggleRecording(context.Background())
	if err != nil {
		t.Fatalf("ToggleRecording() stop error = %v", err)
	}
	if text != "check engine light" {
		t.Errorf("ToggleRecording() = %q, want %q", text, "check engine light")
	}

	st := o.State()
	if st.Input != "check engine light" {
		t.Errorf("State().Input = %q, want %q", st.Input, "check engine light")
	}
	if st.Recording || st.Transcribing {
		t.Errorf("State() = %+v, want idle", st)
	}
	if n := len(o.Messages()); n != 0 {
		t.Errorf("Messages() len = %d, want 0", n)
	}
	if !stream.stopped.Load() {
		t.Error("stream should be stopped")
	}
	if len(transcriber.audios) != 1 || string(transcriber.audios[0]) != "webm-audio" {
		t.Errorf("transcribed audio = %q, want one payload %q", transcriber.audios, "webm-audio")
	}
}

func TestToggleRecordingEmptyCapture(t *testing.T) {
	transcriber := &fakeTranscriber{text: "unused"}
	o := newOrchestrator(&fakeChatter{}, transcriber, &fakeMicrophone{stream: newFakeStream()})

	if _, err := o.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("ToggleRecording() start error = %v", err)
	}
	_, err := o.ToggleRecording(context.Background())
	if !errors.Is(err, conversation.ErrEmptyCapture) {
		t.Errorf("ToggleRecording() error = %v, want ErrEmptyCapture", err)
	}
	if n := len(transcriber.audios); n != 0 {
		t.Errorf("transcription calls = %d, want 0", n)
	}
	if st := o.State(); st.Recording || st.Transcribing {
		t.Errorf("State() = %+v, want idle", st)
	}
}

func TestToggleRecordingStopCancelled(t *testing.T) {
	transcriber := &fakeTranscriber{text: "unused"}
	stream := &undrainedStream{chunks: make(chan []byte, 1)}
	stream.chunks <- []byte("webm-audio")
	t.Cleanup(func() { close(stream.chunks) })

	o := newOrchestrator(&fakeChatter{}, transcriber, stream)

	if _, err := o.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("ToggleRecording() start error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.ToggleRecording(ctx)
	if !errors.Is(err, conversation.ErrTranscription) {
		t.Errorf("ToggleRecording() error = %v, want ErrTranscription", err)
	}
	if errors.Is(err, conversation.ErrEmptyCapture) {
		t.Errorf("ToggleRecording() error = %v, should not report an empty capture", err)
	}
	if got, want := conversation.UserMessage(err), conversation.UserMessage(conversation.ErrTranscription); got != want {
		t.Errorf("UserMessage() = %q, want %q", got, want)
	}
	if n := len(transcriber.audios); n != 0 {
		t.Errorf("transcription calls = %d, want 0", n)
	}
	if st := o.State(); st.Recording || st.Transcribing {
		t.Errorf("State() = %+v, want idle", st)
	}
}

func TestToggleRecordingDeviceErrors(t *testing.T) {
	tests := []struct {
		name string
		mic  conversation.Microphone
	}{
		{
			name: "Permission denied",
			mic:  &fakeMicrophone{err: fmt.Errorf("%w: permission denied", conversation.ErrDevice)},
		},
		{
			name: "Unclassified open failure",
			mic:  &fakeMicrophone{err: errors.New("no input device")},
		},
		{
			name: "No microphone",
			mic:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrchestrator(&fakeChatter{}, &fakeTranscriber{}, tt.mic)

			_, err := o.ToggleRecording(context.Background())
			if !errors.Is(err, conversation.ErrDevice) {
				t.Errorf("ToggleRecording() error = %v, want ErrDevice", err)
			}
			if o.State().Recording {
				t.Error("State().Recording should stay false")
			}
		})
	}
}

func TestToggleRecordingTranscriptionFailure(t *testing.T) {
	tests := []struct {
		name        string
		transcriber *fakeTranscriber
		wantKind    error
	}{
		{
			name:        "Empty transcript",
			transcriber: &fakeTranscriber{text: "   "},
		},
		{
			name:        "Rate limited",
			transcriber: &fakeTranscriber{err: conversation.NewRemoteError("transcription", 429, errors.New("slow down"))},
			wantKind:    conversation.ErrRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mic := &fakeMicrophone{stream: newFakeStream([]byte("audio"))}
			o := newOrchestrator(&fakeChatter{}, tt.transcriber, mic)
			o.SetInput("keep me")

			if _, err := o.ToggleRecording(context.Background()); err != nil {
				t.Fatalf("ToggleRecording() start error = %v", err)
			}
			_, err := o.ToggleRecording(context.Background())
			if !errors.Is(err, conversation.ErrTranscription) {
				t.Errorf("ToggleRecording() error = %v, want ErrTranscription", err)
			}
			if tt.wantKind != nil && !errors.Is(err, tt.wantKind) {
				t.Errorf("ToggleRecording() error = %v, want to wrap %v", err, tt.wantKind)
			}
			if got := o.State().Input; got != "keep me" {
				t.Errorf("State().Input = %q, want unchanged", got)
			}
			if n := len(tt.transcriber.audios); tt.wantKind != nil && n != 1 {
				t.Errorf("transcription calls = %d, want exactly 1", n)
			}
		})
	}
}

func TestExportLog(t *testing.T) {
	o := newOrchestrator(&fakeChatter{reply: "Hello, how can I help?"}, &fakeTranscriber{}, nil)

	if _, err := o.ExportLog(); !errors.Is(err, conversation.ErrEmptyExport) {
		t.Fatalf("ExportLog() error = %v, want ErrEmptyExport", err)
	}

	if _, err := o.SubmitText(context.Background(), "Hi"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}

	exp, err := o.ExportLog()
	if err != nil {
		t.Fatalf("ExportLog() error = %v", err)
	}
	want := "You: Hi\nAutoFix: Hello, how can I help?"
	if exp.Content != want {
		t.Errorf("ExportLog() content = %q, want %q", exp.Content, want)
	}
	if exp.Filename != conversation.ExportFilename {
		t.Errorf("ExportLog() filename = %q, want %q", exp.Filename, conversation.ExportFilename)
	}

	again, err := o.ExportLog()
	if err != nil || again != exp {
		t.Errorf("ExportLog() second call = %+v, %v; want identical export", again, err)
	}

	dir := t.TempDir()
	path, err := exp.Save(dir)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if path != filepath.Join(dir, "AutoFix_Report.txt") {
		t.Errorf("Save() path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != want {
		t.Errorf("saved content = %q, want %q", data, want)
	}
}

func TestCloseStopsRecording(t *testing.T) {
	stream := newFakeStream([]byte("audio"))
	o := newOrchestrator(&fakeChatter{}, &fakeTranscriber{}, &fakeMicrophone{stream: stream})

	if _, err := o.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("ToggleRecording() error = %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !stream.stopped.Load() {
		t.Error("Close() should stop the active stream")
	}
	if o.State().Recording {
		t.Error("State().Recording should be false after Close()")
	}
	if err := o.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestEvents(t *testing.T) {
	o := newOrchestrator(&fakeChatter{reply: "Pong"}, &fakeTranscriber{}, nil)

	var events []conversation.Event
	o.OnEvent(func(e conversation.Event) {
		events = append(events, e)
	})

	if _, err := o.SubmitText(context.Background(), "Ping"); err != nil {
		t.Fatal(err)
	}
	o.SetOnline(false)
	_, _ = o.SubmitText(context.Background(), "Ping")

	var types []conversation.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []conversation.EventType{
		conversation.EventMessage, // user
		conversation.EventState,   // loading
		conversation.EventMessage, // assistant
		conversation.EventState,   // loading reset
		conversation.EventState,   // offline
		conversation.EventError,   // refused
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	if events[0].Message.Text != "Ping" || events[2].Message.Text != "Pong" {
		t.Errorf("message events = %+v, %+v", events[0].Message, events[2].Message)
	}
	if !events[1].State.Loading || events[3].State.Loading {
		t.Errorf("loading flags = %v, %v; want true then false", events[1].State.Loading, events[3].State.Loading)
	}
	if !errors.Is(events[5].Err, conversation.ErrOffline) {
		t.Errorf("error event = %v, want ErrOffline", events[5].Err)
	}
}

func TestUserMessage(t *testing.T) {
	errs := []error{
		conversation.ErrEmptyInput,
		conversation.ErrOffline,
		conversation.ErrMissingCredential,
		conversation.ErrBusy,
		conversation.NewMalformedError("chat", errors.New("x")),
		conversation.NewRemoteError("chat", 401, errors.New("x")),
		conversation.NewRemoteError("chat", 429, errors.New("x")),
		conversation.NewRemoteError("chat", 500, errors.New("x")),
		conversation.NewTimeoutError("chat", context.DeadlineExceeded),
		conversation.ErrDevice,
		conversation.ErrEmptyCapture,
		fmt.Errorf("%w: %w", conversation.ErrTranscription, conversation.NewRemoteError("transcription", 401, errors.New("x"))),
		conversation.ErrEmptyExport,
	}

	seen := make(map[string]int)
	for i, err := range errs {
		msg := conversation.UserMessage(err)
		if msg == "" {
			t.Errorf("UserMessage(%v) is empty", err)
		}
		if j, ok := seen[msg]; ok {
			t.Errorf("UserMessage(%v) = %q, same as for %v", err, msg, errs[j])
		}
		seen[msg] = i
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeChatter) Chat(ctx context.Context, systemPrompt, text string) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, systemPrompt)
	c.texts = append(c.texts, text)
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.reply, c.err
}

func (tr *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.audios = append(tr.audios, audio)
	return tr.text, tr.err
}

func (m *fakeMicrophone) Open(context.Context) (conversation.AudioStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stream, nil
}

func newFakeStream(chunks ...[]byte) *fakeStream {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	return &fakeStream{chunks: ch}
}

func (s *fakeStream) Chunks() <-chan []byte {
	return s.chunks
}

func (s *fakeStream) Stop() error {
	s.once.Do(func() {
		close(s.chunks)
	})
	s.stopped.Store(true)
	return nil
}

// undrainedStream is its own microphone and never closes its channel on Stop, so the capture never
// finishes draining.
type undrainedStream struct {
	chunks chan []byte
}

func (s *undrainedStream) Open(context.Context) (conversation.AudioStream, error) {
	return s, nil
}

func (s *undrainedStream) Chunks() <-chan []byte {
	return s.chunks
}

func (s *undrainedStream) Stop() error {
	return nil
}
