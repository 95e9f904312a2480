package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
	"github.com/autofix-assistant/autofix-web-ui/internal/services"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

type chatConfig interface {
	chatter(logger *slog.Logger) (conversation.Chatter, error)
	// credential returns the token the orchestrator checks before each submission, and whether the
	// provider can do without one.
	credential() (string, bool)
	timeout() time.Duration
}

// BaseChatConfig contains the common fields for all chat provider configurations.
type BaseChatConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type config struct {
	Port          string              `yaml:"port"`
	SystemPrompt  string              `yaml:"systemPrompt"`
	LogLevel      string              `yaml:"logLevel"`
	Chat          chatConfig          `yaml:"chat"`
	Transcription transcriptionConfig `yaml:"transcription"`
}

type openAIConfig struct {
	BaseChatConfig `yaml:",inline"`
	APIKey         string                 `yaml:"apiKey"`
	BaseURL        string                 `yaml:"baseURL"`
	Parameters     services.LLMParameters `yaml:"parameters"`
}

type ollamaConfig struct {
	BaseChatConfig `yaml:",inline"`
	Host           string `yaml:"host"`
}

type transcriptionConfig struct {
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"apiKey"`
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

const (
	defaultPort       = "8080"
	defaultOllamaHost = "http://localhost:11434"
)

func defaultConfig() config {
	return config{
		Port:         defaultPort,
		SystemPrompt: conversation.DefaultSystemPrompt,
		LogLevel:     "info",
		Chat:         &openAIConfig{BaseChatConfig: BaseChatConfig{Provider: "openai"}},
	}
}

// defaultConfigPath returns the config file location under the user's config directory.
func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "autofix", "config.yaml"), nil
}

// loadConfig reads the YAML config at path. A missing file yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		// An empty file decodes to io.EOF and keeps the defaults.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string              `yaml:"port"`
		SystemPrompt  string              `yaml:"systemPrompt"`
		LogLevel      string              `yaml:"logLevel"`
		Chat          map[string]any      `yaml:"chat"`
		Transcription transcriptionConfig `yaml:"transcription"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.SystemPrompt != "" {
		c.SystemPrompt = rawConfig.SystemPrompt
	}
	if rawConfig.LogLevel != "" {
		c.LogLevel = rawConfig.LogLevel
	}
	c.Transcription = rawConfig.Transcription

	if rawConfig.Chat == nil {
		return nil
	}

	provider, ok := rawConfig.Chat["provider"].(string)
	if !ok {
		return fmt.Errorf("chat provider is required")
	}

	chatRawYAML, err := yaml.Marshal(rawConfig.Chat)
	if err != nil {
		return err
	}

	var chat chatConfig
	switch provider {
	case "openai":
		chat = &openAIConfig{}
	case "ollama":
		chat = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown chat provider: %s", provider)
	}

	if err := yaml.Unmarshal(chatRawYAML, chat); err != nil {
		return err
	}

	c.Chat = chat

	return nil
}

// orchestratorConfig returns the settings shared by every session.
func (c config) orchestratorConfig() conversation.Config {
	credential, optional := c.Chat.credential()
	return conversation.Config{
		SystemPrompt:         c.SystemPrompt,
		Credential:           credential,
		CredentialOptional:   optional,
		ChatTimeout:          c.Chat.timeout(),
		TranscriptionTimeout: c.Transcription.Timeout,
	}
}

func (c config) level() (log.Level, error) {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func (o openAIConfig) apiKey() string {
	if o.APIKey != "" {
		return o.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (o openAIConfig) chatter(logger *slog.Logger) (conversation.Chatter, error) {
	return services.NewOpenAI(o.apiKey(), o.BaseURL, o.Model, "", o.Parameters, logger), nil
}

func (o openAIConfig) credential() (string, bool) {
	return o.apiKey(), false
}

func (b BaseChatConfig) timeout() time.Duration {
	return b.Timeout
}

func (o ollamaConfig) chatter(logger *slog.Logger) (conversation.Chatter, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, o.Model, logger)
}

func (o ollamaConfig) credential() (string, bool) {
	return "", true
}

// transcriber builds the speech-to-text client. It falls back to OPENAI_API_KEY whichever chat provider
// is configured.
func (t transcriptionConfig) transcriber(logger *slog.Logger) conversation.Transcriber {
	apiKey := t.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, t.BaseURL, "", t.Model, services.LLMParameters{}, logger)
}
