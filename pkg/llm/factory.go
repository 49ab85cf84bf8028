package llm

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProviderType LLM 提供者类型
type ProviderType string

const (
	ProviderTypeOpenAI ProviderType = "openai" // OpenAI 兼容的 API
	ProviderTypeOllama ProviderType = "ollama" // Ollama API
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOllamaBaseURL = "http://localhost:11434/v1"
)

// Config selects and tunes the model backend
type Config struct {
	Provider           string        `env:"LLM_PROVIDER"`
	APIKey             string        `env:"LLM_API_KEY"`
	BaseURL            string        `env:"LLM_BASE_URL"`
	Model              string        `env:"LLM_MODEL"`
	TranscriptionModel string        `env:"LLM_TRANSCRIPTION_MODEL"`
	Temperature        float64       `env:"LLM_TEMPERATURE"`
	MaxTokens          int           `env:"LLM_MAX_TOKENS"`
	Timeout            time.Duration `env:"LLM_TIMEOUT"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Provider:           string(ProviderTypeOpenAI),
		Model:              "gpt-4o-mini",
		TranscriptionModel: "whisper-1",
		Temperature:        0.7,
		MaxTokens:          500,
		Timeout:            30 * time.Second,
	}
}

// NewModel 根据配置创建模型
// zhipu, deepseek, qwen etc. are reached through the OpenAI compatible path
func NewModel(cfg Config, logger *zap.Logger) (Model, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = string(ProviderTypeOpenAI)
	}

	switch ProviderType(provider) {
	case ProviderTypeOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOllamaBaseURL
		}
		// Ollama 不需要真实的 API Key
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		return NewOpenAIModel(cfg, logger), nil
	case ProviderTypeOpenAI:
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOpenAIBaseURL
		}
		return NewOpenAIModel(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, cfg.Provider)
	}
}
