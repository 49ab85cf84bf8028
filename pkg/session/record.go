package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/audio"
)

// Status 连接状态
type Status string

const (
	StatusConnected    Status = "connected"
	StatusStreaming    Status = "streaming"
	StatusPaused       Status = "paused"
	StatusDisconnected Status = "disconnected"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyExists     = errors.New("session already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrImmutableID       = errors.New("session id is immutable")
	ErrConflict          = errors.New("session modified concurrently")
)

// AudioConfig negotiated audio formats
type AudioConfig struct {
	Input  audio.Format `json:"input"`
	Output audio.Format `json:"output"`
}

// LanguageSettings 语言设置
type LanguageSettings struct {
	Input      string `json:"input"`
	Output     string `json:"output"`
	AutoDetect bool   `json:"autoDetect"`
}

// Features are client-toggleable capabilities
type Features struct {
	Transcription     bool `json:"transcription"`
	Translation       bool `json:"translation"`
	SentimentAnalysis bool `json:"sentimentAnalysis"`
	IntentDetection   bool `json:"intentDetection"`
	VoiceCloning      bool `json:"voiceCloning"`
	Visualization     bool `json:"visualization"`
}

// Enabled lists the names of enabled features in a stable order
func (f Features) Enabled() []string {
	var out []string
	for _, kv := range []struct {
		name string
		on   bool
	}{
		{"transcription", f.Transcription},
		{"translation", f.Translation},
		{"sentimentAnalysis", f.SentimentAnalysis},
		{"intentDetection", f.IntentDetection},
		{"voiceCloning", f.VoiceCloning},
		{"visualization", f.Visualization},
	} {
		if kv.on {
			out = append(out, kv.name)
		}
	}
	return out
}

// Message is one turn in the conversation history
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Intent    string    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Span is a [Start, End) byte range in the source text
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity 提取的实体
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Span       Span    `json:"span"`
}

// ConversationContext 会话上下文
type ConversationContext struct {
	History       []Message `json:"history"`
	CurrentIntent string    `json:"currentIntent"`
	Confidence    float64   `json:"confidence"`
	Entities      []Entity  `json:"entities"`
	Sentiment     float64   `json:"sentiment"`
}

// Metrics are per-session counters flushed to the aggregator on end
type Metrics struct {
	StartTime     time.Time     `json:"startTime"`
	Duration      time.Duration `json:"duration"`
	BytesReceived int64         `json:"bytesReceived"`
	BytesSent     int64         `json:"bytesSent"`
	MessageCount  int64         `json:"messageCount"`
	ErrorCount    int64         `json:"errorCount"`
	LatencyMs     float64       `json:"latencyMs"`
}

// SecurityContext is a snapshot taken at handshake
type SecurityContext struct {
	Encrypted bool   `json:"encrypted"`
	OriginIP  string `json:"originIp"`
	UserAgent string `json:"userAgent"`
	DeviceID  string `json:"deviceId"`
	Device    string `json:"device,omitempty"`
}

// Record is the durable, serializable part of a voice session. The live
// socket is never part of it; see Manager.
type Record struct {
	ID             string              `json:"id"`
	UserID         string              `json:"userId"`
	OrganizationID string              `json:"organizationId"`
	ProjectID      string              `json:"projectId,omitempty"`
	Status         Status              `json:"status"`
	Audio          AudioConfig         `json:"audio"`
	Language       LanguageSettings    `json:"language"`
	Features       Features            `json:"features"`
	Context        ConversationContext `json:"context"`
	Metrics        Metrics             `json:"metrics"`
	Security       SecurityContext     `json:"security"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	LastActivity   time.Time           `json:"lastActivity"`
	Version        int64               `json:"version"`
}

// statusRank orders statuses; paused and streaming share a rank so they may alternate
var statusRank = map[Status]int{
	StatusConnected:    0,
	StatusStreaming:    1,
	StatusPaused:       1,
	StatusDisconnected: 2,
}

// Transition moves the record to the next status. Status only moves
// forward except for paused <-> streaming; disconnected is terminal.
func (r *Record) Transition(to Status) error {
	from := r.Status
	if from == to {
		return nil
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == StatusDisconnected || toRank < statusRank[from] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.Status = to
	return nil
}

// appendHistory appends and drops the oldest entries beyond max
func appendHistory(history []Message, max int, msgs ...Message) []Message {
	history = append(history, msgs...)
	if max > 0 && len(history) > max {
		history = append([]Message(nil), history[len(history)-max:]...)
	}
	return history
}

func appendEntities(entities []Entity, max int, add ...Entity) []Entity {
	entities = append(entities, add...)
	if max > 0 && len(entities) > max {
		entities = append([]Entity(nil), entities[len(entities)-max:]...)
	}
	return entities
}
