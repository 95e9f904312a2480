package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of conversation.Chatter backed by an Ollama server. It takes no
// credential.
type Ollama struct {
	host  string
	model string

	client *api.Client

	logger *slog.Logger
}

const ollamaChatEndpoint = "api/chat"

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host parameter
// should be a valid URL pointing to an Ollama server.
func NewOllama(host, model string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{Transport: statusTransport{base: http.DefaultTransport}}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat sends the system prompt and the user text to the Ollama chat API and returns the complete reply.
// Streaming is disabled, so the response callback fires once.
func (o Ollama) Chat(ctx context.Context, systemPrompt, text string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: systemPrompt,
			},
			{
				Role:    "user",
				Content: text,
			},
		},
		Stream: &f,
	}

	status := new(int)
	ctx = context.WithValue(ctx, statusKey{}, status)

	var reply string
	err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		reply += res.Message.Content
		return nil
	})
	if *status >= http.StatusBadRequest {
		if err == nil {
			err = errors.New(http.StatusText(*status))
		}
		return "", conversation.NewRemoteError(ollamaChatEndpoint, *status, fmt.Errorf("error sending request: %w", err))
	}
	if err != nil {
		return "", classifyOllamaError(fmt.Errorf("error sending request: %w", err))
	}

	o.logger.Debug("Chat response", slog.String("host", o.host), slog.Int("length", len(reply)))

	if reply == "" {
		return "", conversation.NewMalformedError(ollamaChatEndpoint, errors.New("reply has no message content"))
	}

	return reply, nil
}

func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return conversation.NewRemoteError(ollamaChatEndpoint, statusErr.StatusCode, err)
	}

	return classifyClientError(ollamaChatEndpoint, err)
}

type statusKey struct{}

// statusTransport stores the response status in the *int found under statusKey in the request context.
// The ollama client turns error bodies into plain errors, so the status is otherwise lost.
type statusTransport struct {
	base http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if status, ok := req.Context().Value(statusKey{}).(*int); ok {
		*status = resp.StatusCode
	}
	return resp, nil
}
