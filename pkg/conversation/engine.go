package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/audio"
	"github.com/code-100-precent/LingEcho-gateway/pkg/errhandler"
	"github.com/code-100-precent/LingEcho-gateway/pkg/llm"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	gonanoid "github.com/matoous/go-nanoid"
	"go.uber.org/zap"
)

var (
	ErrEmptyInput = errors.New("empty input")
	ErrNoAudio    = errors.New("no buffered audio")
	ErrReleased   = errors.New("conversation released")
)

// Config 会话引擎配置
type Config struct {
	SystemPrompt      string        `env:"CONVERSATION_SYSTEM_PROMPT"`
	MaxHistory        int           `env:"CONVERSATION_MAX_HISTORY"`
	PartialEvery      int           `env:"CONVERSATION_PARTIAL_EVERY"`
	MaxTurnDuration   time.Duration `env:"CONVERSATION_MAX_TURN_DURATION"`
	IdleTimeout       time.Duration `env:"CONVERSATION_IDLE_TIMEOUT"`
	ExperienceLevel   string        `env:"CONVERSATION_EXPERIENCE_LEVEL"`
	EncouragementRate float64       `env:"CONVERSATION_ENCOURAGEMENT_RATE"`
	EventBuffer       int           `env:"CONVERSATION_EVENT_BUFFER"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SystemPrompt:      DefaultSystemPrompt,
		MaxHistory:        20,
		PartialEvery:      20,
		MaxTurnDuration:   60 * time.Second,
		IdleTimeout:       5 * time.Minute,
		ExperienceLevel:   LevelBeginner,
		EncouragementRate: 0.3,
		EventBuffer:       16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = d.MaxHistory
	}
	if c.PartialEvery <= 0 {
		c.PartialEvery = d.PartialEvery
	}
	if c.MaxTurnDuration <= 0 {
		c.MaxTurnDuration = d.MaxTurnDuration
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Transcript is speech-to-text output for the client
type Transcript struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// Response is one shaped assistant turn
type Response struct {
	ID         string           `json:"id"`
	Text       string           `json:"text"`
	Intent     string           `json:"intent"`
	Confidence float64          `json:"confidence"`
	Entities   []session.Entity `json:"entities"`
	Sentiment  float64          `json:"sentiment"`
	Emotion    string           `json:"emotion"`
	SSML       string           `json:"ssml"`
	Prosody    Prosody          `json:"prosody"`
	Duration   time.Duration    `json:"duration"`
	Fallback   bool             `json:"fallback"`
	Usage      llm.Usage        `json:"usage"`
	Latency    time.Duration    `json:"latency"`
}

// EventKind tags asynchronous engine output
type EventKind int

const (
	EventPartialTranscript EventKind = iota
	EventError
)

// Event is delivered on Engine.Events
type Event struct {
	Kind       EventKind
	Transcript Transcript
	Err        error
}

// modelReply is the structured shape the system prompt asks for
type modelReply struct {
	Text     string `json:"text"`
	Intent   string `json:"intent"`
	Emotion  string `json:"emotion"`
	Entities []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"entities"`
}

// Engine drives one dialogue with the external model. Synchronous results
// are returned from SubmitText and EndTurn; background partial transcripts
// arrive on Events.
type Engine struct {
	model       llm.Model
	cfg         Config
	logger      *zap.Logger
	personality *Personality

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	wg     sync.WaitGroup

	mu           sync.Mutex
	history      []llm.Message
	language     string
	initialized  bool
	released     bool
	streaming    bool
	buffer       []byte
	speechChunks int
	lastActivity time.Time
	now          func() time.Time

	partialInFlight atomic.Bool
}

// NewEngine 创建会话引擎
func NewEngine(model llm.Model, cfg Config, language string, logger *zap.Logger) *Engine {
	return newEngine(model, cfg, language, logger, nil)
}

func newEngine(model llm.Model, cfg Config, language string, logger *zap.Logger, src rand.Source) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		model:        model,
		cfg:          cfg,
		logger:       logger,
		personality:  NewPersonality(cfg.ExperienceLevel, cfg.EncouragementRate, src),
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan Event, cfg.EventBuffer),
		language:     language,
		initialized:  model != nil,
		lastActivity: time.Now(),
		now:          time.Now,
	}
}

// Events delivers background notifications until Release
func (e *Engine) Events() <-chan Event {
	return e.events
}

// SetLanguage 设置识别语言
func (e *Engine) SetLanguage(language string) {
	e.mu.Lock()
	e.language = language
	e.mu.Unlock()
}

// SubmitText runs one turn: the model reply is parsed, then intent, entities
// and sentiment are re-derived locally from the user text so behavior does
// not depend on model output.
func (e *Engine) SubmitText(ctx context.Context, text string) (*Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil, ErrReleased
	}
	e.history = e.trim(append(e.history, llm.Message{Role: llm.RoleUser, Content: text, Timestamp: e.now()}))
	e.lastActivity = e.now()
	messages := make([]llm.Message, 0, len(e.history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: e.cfg.SystemPrompt})
	messages = append(messages, e.history...)
	e.mu.Unlock()

	completion, err := e.model.Complete(ctx, messages)
	if err != nil {
		return nil, errhandler.NewDependencyError("llm", "model request failed", err)
	}

	resp := e.parseReply(completion.Text)
	resp.Usage = completion.Usage
	resp.Latency = completion.Latency

	analysis := Analyze(text)
	resp.Intent = analysis.Intent
	resp.Confidence = analysis.Confidence
	resp.Entities = analysis.Entities
	resp.Sentiment = analysis.Sentiment
	resp.Emotion = analysis.Emotion

	resp.Text = e.personality.Shape(resp.Text, resp.Intent)
	resp.SSML = BuildSSML(resp.Text, resp.Emotion)
	resp.Prosody = ProsodyFor(resp.Emotion)
	resp.Duration = EstimateDuration(resp.Text)
	if id, err := gonanoid.Nanoid(); err == nil {
		resp.ID = id
	}

	e.mu.Lock()
	if !e.released {
		e.history = e.trim(append(e.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, Timestamp: e.now()}))
		e.lastActivity = e.now()
	}
	e.mu.Unlock()
	return resp, nil
}

// parseReply falls back to wrapping raw text as a general response
func (e *Engine) parseReply(raw string) *Response {
	var reply modelReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil || strings.TrimSpace(reply.Text) == "" {
		e.logger.Warn("model reply is not structured, using general_response fallback",
			zap.Error(err), zap.Int("length", len(raw)))
		return &Response{Text: strings.TrimSpace(raw), Intent: IntentGeneralResponse, Emotion: EmotionNeutral, Fallback: true}
	}
	return &Response{Text: reply.Text, Intent: reply.Intent, Emotion: reply.Emotion}
}

func (e *Engine) trim(history []llm.Message) []llm.Message {
	if len(history) > e.cfg.MaxHistory {
		return append([]llm.Message(nil), history[len(history)-e.cfg.MaxHistory:]...)
	}
	return history
}

// StartStreaming opens a new audio turn, discarding any stale buffer
func (e *Engine) StartStreaming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.streaming = true
	e.buffer = e.buffer[:0]
	e.speechChunks = 0
	e.lastActivity = e.now()
}

// Streaming reports whether a turn is open
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

// SubmitAudio buffers canonical PCM while streaming. It returns false when
// the chunk was not buffered. Every PartialEvery speech chunks a partial
// transcript of the buffer so far is requested in the background.
func (e *Engine) SubmitAudio(pcm []byte, vad audio.VADResult) bool {
	e.mu.Lock()
	if e.released || !e.streaming || len(pcm) == 0 {
		e.mu.Unlock()
		return false
	}
	maxBytes := int(e.cfg.MaxTurnDuration.Seconds() * audio.CanonicalSampleRate * 2)
	if len(e.buffer)+len(pcm) > maxBytes {
		e.mu.Unlock()
		return false
	}
	e.buffer = append(e.buffer, pcm...)
	e.lastActivity = e.now()
	if vad.IsSpeech {
		e.speechChunks++
	}

	var snapshot []byte
	language := e.language
	if e.speechChunks >= e.cfg.PartialEvery && e.partialInFlight.CompareAndSwap(false, true) {
		e.speechChunks = 0
		snapshot = append([]byte(nil), e.buffer...)
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if snapshot != nil {
		go e.partial(snapshot, language)
	}
	return true
}

func (e *Engine) partial(pcm []byte, language string) {
	defer e.wg.Done()
	defer e.partialInFlight.Store(false)

	tr, err := e.transcribe(e.ctx, pcm, language)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Debug("partial transcription failed", zap.Error(err))
		}
		return
	}
	if tr.Text == "" {
		return
	}
	tr.IsFinal = false
	e.emit(Event{Kind: EventPartialTranscript, Transcript: tr})
}

// emit never blocks; a slow consumer loses partials, not turns
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Debug("conversation event dropped", zap.Int("kind", int(ev.Kind)))
	}
}

// EndTurn closes the audio turn, transcribes the buffer and, when speech was
// recognized, submits it as text. The buffer is cleared either way.
func (e *Engine) EndTurn(ctx context.Context) (Transcript, *Response, error) {
	pcm, err := e.TakeTurn()
	if err != nil {
		return Transcript{}, nil, err
	}
	return e.CompleteTurn(ctx, pcm)
}

// TakeTurn closes the audio turn and hands back its buffer. A new turn may
// start immediately; the returned buffer is no longer shared.
func (e *Engine) TakeTurn() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, ErrReleased
	}
	pcm := e.buffer
	e.buffer = nil
	e.streaming = false
	e.speechChunks = 0
	if len(pcm) == 0 {
		return nil, ErrNoAudio
	}
	return pcm, nil
}

// CompleteTurn transcribes a buffer taken with TakeTurn. An empty transcript
// returns a nil response and no error.
func (e *Engine) CompleteTurn(ctx context.Context, pcm []byte) (Transcript, *Response, error) {
	if len(pcm) == 0 {
		return Transcript{}, nil, ErrNoAudio
	}
	e.mu.Lock()
	released := e.released
	language := e.language
	e.mu.Unlock()
	if released {
		return Transcript{}, nil, ErrReleased
	}

	tr, err := e.transcribe(ctx, pcm, language)
	if err != nil {
		var classified *errhandler.Error
		if errors.As(err, &classified) {
			return Transcript{}, nil, err
		}
		return Transcript{}, nil, errhandler.NewDependencyError("llm", "transcription failed", err)
	}
	tr.IsFinal = true
	if strings.TrimSpace(tr.Text) == "" {
		return tr, nil, nil
	}

	resp, err := e.SubmitText(ctx, tr.Text)
	return tr, resp, err
}

func (e *Engine) transcribe(ctx context.Context, pcm []byte, language string) (Transcript, error) {
	wav, err := audio.EncodeWAV(audio.BytesToSamples(pcm), audio.CanonicalSampleRate, 1)
	if err != nil {
		return Transcript{}, errhandler.NewProcessingError("audio", "encode wav", err)
	}
	out, err := e.model.Transcribe(ctx, wav, language)
	if err != nil {
		return Transcript{}, err
	}
	lang := out.Language
	if lang == "" {
		lang = language
	}
	return Transcript{Text: strings.TrimSpace(out.Text), Confidence: out.Confidence, Language: lang}, nil
}

// DiscardAudio drops buffered audio and closes the turn
func (e *Engine) DiscardAudio() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.buffer)
	e.buffer = nil
	e.streaming = false
	e.speechChunks = 0
	return n
}

// BufferedBytes 当前缓冲的音频字节数
func (e *Engine) BufferedBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

// Reset clears the dialogue history; the system prompt stays
func (e *Engine) Reset() {
	e.mu.Lock()
	e.history = nil
	e.lastActivity = e.now()
	e.mu.Unlock()
}

// History returns a copy of the dialogue without the system prompt
func (e *Engine) History() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Message(nil), e.history...)
}

// Release stops background work, drops buffered audio and closes Events.
// Safe to call more than once.
func (e *Engine) Release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.released = true
	e.initialized = false
	e.streaming = false
	e.buffer = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.events)
}

// IsHealthy reports an initialized exchange with recent activity
func (e *Engine) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized && e.now().Sub(e.lastActivity) < e.cfg.IdleTimeout
}
