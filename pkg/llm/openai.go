package llm

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIModel talks to any OpenAI compatible endpoint. Chat replies are
// requested in JSON object mode.
type OpenAIModel struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	lastUsage      Usage
	lastUsageValid bool
}

// NewOpenAIModel creates a new model client
func NewOpenAIModel(cfg Config, logger *zap.Logger) *OpenAIModel {
	if logger == nil {
		logger = zap.L()
	}
	d := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = d.TranscriptionModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		logger: logger.With(zap.String("model", cfg.Model), zap.String("baseURL", config.BaseURL)),
	}
}

// Complete implements Model
func (m *OpenAIModel) Complete(ctx context.Context, messages []Message) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	request := openai.ChatCompletionRequest{
		Model:       m.cfg.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: float32(m.cfg.Temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if m.cfg.MaxTokens > 0 {
		request.MaxTokens = m.cfg.MaxTokens
	}

	start := time.Now()
	resp, err := m.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrEmptyReply
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	m.mu.Lock()
	m.lastUsage = usage
	m.lastUsageValid = true
	m.mu.Unlock()

	out := Completion{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        usage,
		Latency:      time.Since(start),
	}
	m.logger.Debug("chat completion finished",
		zap.Int("messages", len(messages)),
		zap.Int("totalTokens", usage.TotalTokens),
		zap.Duration("latency", out.Latency))
	return out, nil
}

// Transcribe implements Model. Confidence is derived from the mean segment log probability.
func (m *OpenAIModel) Transcribe(ctx context.Context, wav []byte, language string) (Transcription, error) {
	if len(wav) == 0 {
		return Transcription{}, ErrEmptyAudio
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	resp, err := m.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    m.cfg.TranscriptionModel,
		FilePath: "speech.wav",
		Reader:   bytes.NewReader(wav),
		Language: baseLanguage(language),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcription{}, fmt.Errorf("transcription: %w", err)
	}

	out := Transcription{
		Text:       resp.Text,
		Language:   detectedLanguageTag(resp.Language, language),
		Confidence: 1,
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}
	if len(resp.Segments) > 0 {
		var sum float64
		for _, seg := range resp.Segments {
			sum += seg.AvgLogprob
		}
		out.Confidence = math.Min(1, math.Exp(sum/float64(len(resp.Segments))))
	}
	return out, nil
}

// GetLastUsage 获取最后一次调用的使用统计信息
func (m *OpenAIModel) GetLastUsage() (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsage, m.lastUsageValid
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// baseLanguage turns "en-US" into "en"; whisper expects ISO-639-1
func baseLanguage(tag string) string {
	for i, r := range tag {
		if r == '-' || r == '_' {
			return tag[:i]
		}
	}
	return tag
}
