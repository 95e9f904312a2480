package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides the chat and transcription endpoints backed by the OpenAI API. It implements both
// conversation.Chatter and conversation.Transcriber.
type OpenAI struct {
	model              string
	transcriptionModel string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters holds the optional sampling parameters of a chat request. Nil fields are left to the
// endpoint's defaults.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
}

const (
	// DefaultOpenAIModel is the chat model used when none is configured.
	DefaultOpenAIModel = goopenai.GPT3Dot5Turbo
	// DefaultTranscriptionModel is the speech-to-text model used when none is configured.
	DefaultTranscriptionModel = goopenai.Whisper1

	// recordingFilename names the uploaded audio; the extension tells the endpoint it is a webm container.
	recordingFilename = "recording.webm"

	chatEndpoint          = "chat/completions"
	transcriptionEndpoint = "audio/transcriptions"
)

// NewOpenAI creates a new OpenAI instance with the specified API key, chat model and transcription model.
// An empty baseURL targets api.openai.com; empty models fall back to the defaults.
func NewOpenAI(apiKey, baseURL, model, transcriptionModel string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if transcriptionModel == "" {
		transcriptionModel = DefaultTranscriptionModel
	}

	return OpenAI{
		model:              model,
		transcriptionModel: transcriptionModel,
		params:             params,
		client:             goopenai.NewClientWithConfig(cfg),
		logger:             logger.With(slog.String("module", "openai")),
	}
}

// Chat is a wrapper around the OpenAI chat completion API. The request carries exactly two messages: the
// system prompt and the user text.
func (o OpenAI) Chat(ctx context.Context, systemPrompt, text string) (string, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		},
		{
			Role:    goopenai.ChatMessageRoleUser,
			Content: text,
		},
	}

	req := o.chatRequest(msgs)

	reqJSON, err := json.Marshal(req)
	if err == nil {
		o.logger.Debug("Request", slog.String("req", string(reqJSON)))
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(chatEndpoint, fmt.Errorf("error sending request: %w", err))
	}

	if len(resp.Choices) == 0 {
		return "", conversation.NewMalformedError(chatEndpoint, errors.New("no choices found"))
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", conversation.NewMalformedError(chatEndpoint, errors.New("reply has no message content"))
	}

	return content, nil
}

// Transcribe uploads audio as a webm recording to the OpenAI transcription API and returns the text.
func (o OpenAI) Transcribe(ctx context.Context, audio []byte) (string, error) {
	req := goopenai.AudioRequest{
		Model:    o.transcriptionModel,
		FilePath: recordingFilename,
		Reader:   bytes.NewReader(audio),
	}

	o.logger.Debug("Transcription request",
		slog.String("model", o.transcriptionModel),
		slog.Int("bytes", len(audio)))

	resp, err := o.client.CreateTranscription(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(transcriptionEndpoint, fmt.Errorf("error sending request: %w", err))
	}

	return resp.Text, nil
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}

// classifyOpenAIError maps an error returned by the go-openai client to a conversation.RemoteError.
func classifyOpenAIError(endpoint string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return conversation.NewRemoteError(endpoint, apiErr.HTTPStatusCode, err)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return conversation.NewRemoteError(endpoint, reqErr.HTTPStatusCode, err)
	}

	return classifyClientError(endpoint, err)
}

// classifyClientError handles failures that carry no API status. Errors raised while sending the request
// or reading the response (a *url.Error) are network failures, even when they wrap io.EOF; only decode
// errors of a response that arrived are malformed replies.
func classifyClientError(endpoint string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return conversation.NewTimeoutError(endpoint, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return conversation.NewTimeoutError(endpoint, err)
		}
		return conversation.NewRemoteError(endpoint, 0, err)
	}

	if isDecodeError(err) {
		return conversation.NewMalformedError(endpoint, err)
	}

	return conversation.NewRemoteError(endpoint, 0, err)
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
