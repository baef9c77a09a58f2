package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MegaGrindStone/tc-chat/internal/conversation"
	"github.com/MegaGrindStone/tc-chat/internal/models"
	"github.com/MegaGrindStone/tc-chat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	client(logger *slog.Logger) (conversation.CompletionClient, error)
	// credentialOptional reports whether the endpoint works without an API key.
	credentialOptional() bool
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port        string
	LogLevel    string
	LLM         llmConfig
	Models      []string
	SecretStore secretStoreConfig
}

type secretStoreConfig struct {
	// Type is "keyring" or "bolt".
	Type       string `yaml:"type"`
	Passphrase string `yaml:"passphrase"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

const (
	defaultPort           = "8080"
	defaultSecretStore    = "bolt"
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultOllamaHost     = "http://localhost:11434"
	defaultAnthropicLimit = 1024
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port        string            `yaml:"port"`
		LogLevel    string            `yaml:"logLevel"`
		LLM         map[string]any    `yaml:"llm"`
		Models      []string          `yaml:"models"`
		SecretStore secretStoreConfig `yaml:"secretStore"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.Models = rawConfig.Models
	c.SecretStore = rawConfig.SecretStore

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// applyDefaults fills the settings the config file left out.
func (c *config) applyDefaults() error {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.SecretStore.Type == "" {
		c.SecretStore.Type = defaultSecretStore
	}
	switch c.SecretStore.Type {
	case "keyring", "bolt":
	default:
		return fmt.Errorf("%w: unknown secret store: %s", models.ErrConfiguration, c.SecretStore.Type)
	}
	if c.LLM == nil {
		c.LLM = &openAIConfig{BaseLLMConfig: BaseLLMConfig{Provider: "openai"}}
	}
	for i, m := range c.Models {
		c.Models[i] = strings.TrimSpace(m)
		if c.Models[i] == "" {
			return fmt.Errorf("%w: empty model identifier at index %d", models.ErrConfiguration, i)
		}
	}
	return nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (o openAIConfig) client(logger *slog.Logger) (conversation.CompletionClient, error) {
	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return services.NewOpenAI(baseURL, logger), nil
}

func (openAIConfig) credentialOptional() bool { return false }

func (o openRouterConfig) client(logger *slog.Logger) (conversation.CompletionClient, error) {
	return services.NewOpenRouter(o.Endpoint, logger), nil
}

func (openRouterConfig) credentialOptional() bool { return false }

func (a anthropicConfig) client(logger *slog.Logger) (conversation.CompletionClient, error) {
	maxTokens := a.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicLimit
	}
	if maxTokens < 0 {
		return nil, fmt.Errorf("%w: maxTokens must be positive", models.ErrConfiguration)
	}
	return services.NewAnthropic(a.Endpoint, maxTokens, logger), nil
}

func (anthropicConfig) credentialOptional() bool { return false }

func (o ollamaConfig) client(logger *slog.Logger) (conversation.CompletionClient, error) {
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, logger)
}

func (ollamaConfig) credentialOptional() bool { return true }
