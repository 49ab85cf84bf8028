package llm

import (
	"context"
	"errors"
	"time"
)

// Roles accepted in a Message
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyReply       = errors.New("model returned no choices")
	ErrEmptyAudio       = errors.New("no audio to transcribe")
	ErrProviderNotFound = errors.New("unknown llm provider")
)

// Model is the contract the conversation engine uses to reach the external
// conversational model. Implementations must be safe for concurrent use.
type Model interface {
	// Complete sends the full ordered history and returns the assistant reply
	Complete(ctx context.Context, messages []Message) (Completion, error)

	// Transcribe converts a WAV buffer to text
	Transcribe(ctx context.Context, wav []byte, language string) (Transcription, error)
}

// Message 统一的消息格式
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage 使用统计信息
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Completion is one assistant reply
type Completion struct {
	Text         string        `json:"text"`
	FinishReason string        `json:"finishReason"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
}

// Transcription is the result of speech-to-text
type Transcription struct {
	Text       string        `json:"text"`
	Language   string        `json:"language"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
}
