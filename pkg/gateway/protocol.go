package gateway

import (
	"encoding/json"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/conversation"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
)

// Close codes sent when a connection is refused or ended by the server
const (
	CloseSetupFailed     = 4000
	CloseInvalidOrigin   = 4001
	CloseAuthFailed      = 4002
	CloseAccessDenied    = 4003
	CloseRateLimited     = 4004
	CloseConnectionLimit = 4005
	CloseIdleTimeout     = 4008
)

// Inbound message types
const (
	MessageTypeAudio          = "audio"
	MessageTypeStartRecording = "start_recording"
	MessageTypeStopRecording  = "stop_recording"
	MessageTypeSetLanguage    = "set_language"
	MessageTypeSetFeatures    = "set_features"
	MessageTypeTextInput      = "text_input"
	MessageTypeGetContext     = "get_context"
	MessageTypeClearContext   = "clear_context"
	MessageTypePong           = "pong"
)

// Outbound message types
const (
	MessageTypeConnected         = "connected"
	MessageTypeHeartbeat         = "heartbeat"
	MessageTypeTranscript        = "transcript"
	MessageTypeVoiceResponse     = "voice_response"
	MessageTypeTextResponse      = "text_response"
	MessageTypeRecordingStarted  = "recording_started"
	MessageTypeRecordingStopped  = "recording_stopped"
	MessageTypeLanguageUpdated   = "language_updated"
	MessageTypeFeaturesUpdated   = "features_updated"
	MessageTypeContext           = "context"
	MessageTypeContextCleared    = "context_cleared"
	MessageTypeAudioLevel        = "audio_level"
	MessageTypeError             = "error"
	messageTypeBinaryAudio       = "binary_audio"
	messageTypeInvalid           = "invalid"
	messageTypeUnknown           = "unknown"
)

// metricTypes is the closed label set for inbound message counters
var metricTypes = map[string]struct{}{
	MessageTypeAudio:          {},
	MessageTypeStartRecording: {},
	MessageTypeStopRecording:  {},
	MessageTypeSetLanguage:    {},
	MessageTypeSetFeatures:    {},
	MessageTypeTextInput:      {},
	MessageTypeGetContext:     {},
	MessageTypeClearContext:   {},
	MessageTypePong:           {},
	messageTypeBinaryAudio:    {},
	messageTypeInvalid:        {},
}

// messageLabel folds client-chosen types outside the protocol into "unknown"
func messageLabel(msgType string) string {
	if _, ok := metricTypes[msgType]; ok {
		return msgType
	}
	return messageTypeUnknown
}

// inboundMessage covers every client message; fields are used per type
type inboundMessage struct {
	Type      string          `json:"type"`
	Data      string          `json:"data,omitempty"`
	Language  string          `json:"language,omitempty"`
	Features  json.RawMessage `json:"features,omitempty"`
	Text      string          `json:"text,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type connectedMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Features  []string      `json:"features"`
	Config    sessionConfig `json:"config"`
}

type sessionConfig struct {
	Audio             session.AudioConfig      `json:"audio"`
	Language          session.LanguageSettings `json:"language"`
	ChunkDurationMs   int                      `json:"chunkDurationMs"`
	HeartbeatInterval int64                    `json:"heartbeatIntervalMs"`
}

type heartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type transcriptMessage struct {
	Type string `json:"type"`
	conversation.Transcript
}

type voiceResponseMessage struct {
	Type     string               `json:"type"`
	ID       string               `json:"id"`
	Text     string               `json:"text"`
	Audio    string               `json:"audio"`
	Emotion  string               `json:"emotion"`
	Duration int64                `json:"duration"`
	SSML     string               `json:"ssml"`
	Prosody  conversation.Prosody `json:"prosody"`
	Intent   string               `json:"intent,omitempty"`
}

type textResponseMessage struct {
	Type      string           `json:"type"`
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Intent    string           `json:"intent"`
	Entities  []session.Entity `json:"entities"`
	Sentiment *float64         `json:"sentiment,omitempty"`
	Emotion   string           `json:"emotion,omitempty"`
}

type recordingMessage struct {
	Type          string `json:"type"`
	BufferedBytes int    `json:"bufferedBytes,omitempty"`
}

type languageMessage struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

type featuresMessage struct {
	Type     string   `json:"type"`
	Features []string `json:"features"`
}

type contextMessage struct {
	Type      string            `json:"type"`
	History   []session.Message `json:"history"`
	Intent    string            `json:"intent"`
	Entities  []session.Entity  `json:"entities"`
	Sentiment float64           `json:"sentiment"`
	Quality   QualityReport     `json:"quality"`
}

type audioLevelMessage struct {
	Type     string    `json:"type"`
	Level    float64   `json:"level"`
	IsSpeech bool      `json:"isSpeech"`
	Spectrum []float64 `json:"spectrum,omitempty"`
}

type errorMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Degraded bool   `json:"degraded,omitempty"`
}

func simple(msgType string) map[string]string {
	return map[string]string{"type": msgType}
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
