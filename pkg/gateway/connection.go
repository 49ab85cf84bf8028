package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/audio"
	"github.com/code-100-precent/LingEcho-gateway/pkg/conversation"
	"github.com/code-100-precent/LingEcho-gateway/pkg/errhandler"
	"github.com/code-100-precent/LingEcho-gateway/pkg/metrics"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	turnQueueSize   = 8
	storeTimeout    = 3 * time.Second
	teardownTimeout = 5 * time.Second

	reasonClientClosed = "client_closed"
)

type turnKind int

const (
	turnText turnKind = iota
	turnAudio
)

// turnRequest is work for the model, run off the read loop
type turnRequest struct {
	kind turnKind
	text string
	pcm  []byte
}

// Connection is the live half of one voice session: the socket, its audio
// pipeline and its conversation engine. It implements session.Live.
type Connection struct {
	id        string
	gw        *Gateway
	conn      *websocket.Conn
	writer    *Writer
	identity  security.Identity
	orgID     string
	projectID string
	hs        handshake
	device    string
	processor *audio.Processor
	engine    *conversation.Engine
	tracker   *errhandler.Tracker
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	turns  chan turnRequest
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	features    session.Features
	language    session.LanguageSettings
	format      audio.Format
	startedAt   time.Time
	counters    session.Metrics
	turnLatency time.Duration
	turnCount   int64
	lastPing    time.Time
	lastPong    time.Time
	rtt         time.Duration
	closeCode   int
	closeReason string

	closeOnce sync.Once
}

// ID 会话ID
func (c *Connection) ID() string {
	return c.id
}

// State 当前状态
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.state, to) {
		return false
	}
	c.logger.Debug("connection state changed", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
	return true
}

// Features 当前启用的功能
func (c *Connection) Features() session.Features {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features
}

func (c *Connection) initialRecord() *session.Record {
	return &session.Record{
		ID:             c.id,
		UserID:         c.identity.UserID,
		OrganizationID: c.orgID,
		ProjectID:      c.projectID,
		Audio:          session.AudioConfig{Input: c.format, Output: audio.CanonicalFormat()},
		Language:       c.language,
		Features:       c.features,
		Metrics:        session.Metrics{StartTime: c.startedAt},
		Security: session.SecurityContext{
			Encrypted: c.hs.secure,
			OriginIP:  c.hs.clientIP,
			UserAgent: c.hs.userAgent,
			DeviceID:  c.hs.deviceID,
			Device:    c.device,
		},
	}
}

// discard releases resources of a connection that never started
func (c *Connection) discard() {
	c.cancel()
	c.engine.Release()
	c.writer.Close()
}

// Shutdown closes the socket from the server side. The read loop then
// unwinds into teardown.
func (c *Connection) Shutdown(reason string) {
	code := websocket.CloseGoingAway
	if reason == session.ReasonIdleTimeout {
		code = CloseIdleTimeout
	}
	c.closeWith(code, reason)
}

func (c *Connection) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()

	deadline := time.Now().Add(c.gw.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateReason(reason)), deadline)
	_ = c.conn.Close()
}

func (c *Connection) run() {
	if c.gw.deps.Collectors != nil {
		c.gw.deps.Collectors.ConnectionOpened()
	}
	c.setState(StateIdle)

	_ = c.writer.Send(connectedMessage{
		Type:      MessageTypeConnected,
		SessionID: c.id,
		Features:  nonNil(c.features.Enabled()),
		Config: sessionConfig{
			Audio:             session.AudioConfig{Input: c.format, Output: audio.CanonicalFormat()},
			Language:          c.language,
			ChunkDurationMs:   c.processor.Config().ChunkDurationMs,
			HeartbeatInterval: millis(c.gw.cfg.HeartbeatInterval),
		},
	})
	c.logger.Info("voice session started",
		zap.String("organizationId", c.orgID),
		zap.String("projectId", c.projectID),
		zap.String("ip", c.hs.clientIP),
		zap.String("device", c.device))

	c.wg.Add(3)
	go c.heartbeatLoop()
	go c.turnLoop()
	go c.forwardEvents()

	c.readLoop()
	c.teardown()
}

func (c *Connection) readLoop() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read websocket message failed", zap.Error(err))
			}
			return
		}
		if c.State() == StateClosed {
			return
		}
		c.handle(messageType, data)
	}
}

// handle dispatches one client message. Every message refreshes activity.
func (c *Connection) handle(messageType int, data []byte) {
	msgType := messageTypeBinaryAudio
	var msg inboundMessage
	var decodeErr error
	if messageType == websocket.TextMessage {
		decodeErr = json.Unmarshal(data, &msg)
		switch {
		case decodeErr != nil:
			msgType = messageTypeInvalid
		case msg.Type == "":
			msgType = messageTypeInvalid
			decodeErr = errors.New("missing type")
		default:
			msgType = msg.Type
		}
	}

	c.touch(int64(len(data)))
	if c.gw.deps.Collectors != nil {
		c.gw.deps.Collectors.RecordMessage(messageLabel(msgType))
	}

	if messageType == websocket.BinaryMessage {
		c.handleAudio(data)
		return
	}

	switch msgType {
	case messageTypeInvalid:
		c.processingError("invalid message", decodeErr)
	case MessageTypeAudio:
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			c.processingError("invalid audio payload", err)
			return
		}
		c.handleAudio(raw)
	case MessageTypeStartRecording:
		c.startRecording()
	case MessageTypeStopRecording:
		c.stopRecording()
	case MessageTypeSetLanguage:
		c.setLanguage(msg.Language)
	case MessageTypeSetFeatures:
		c.setFeatures(msg.Features)
	case MessageTypeTextInput:
		c.textInput(msg.Text)
	case MessageTypeGetContext:
		c.getContext()
	case MessageTypeClearContext:
		c.clearContext()
	case MessageTypePong:
		c.pong(msg.Timestamp)
	default:
		c.processingError(fmt.Sprintf("unknown message type: %s", msg.Type), nil)
	}
}

// touch counts the message locally and mirrors the counters into the store
func (c *Connection) touch(n int64) {
	c.gw.deps.Sessions.Touch(c.id)

	c.mu.Lock()
	c.counters.MessageCount++
	c.counters.BytesReceived += n
	c.mu.Unlock()

	c.persistCounters()
}

func (c *Connection) snapshot() session.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.counters
	m.StartTime = c.startedAt
	m.BytesSent = c.writer.BytesSent()
	if c.turnCount > 0 {
		m.LatencyMs = float64(c.turnLatency.Milliseconds()) / float64(c.turnCount)
	}
	return m
}

func (c *Connection) persistCounters() {
	snap := c.snapshot()
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	_, err := c.gw.deps.Sessions.Store().Touch(ctx, c.id, func(m *session.Metrics) {
		m.MessageCount = snap.MessageCount
		m.BytesReceived = snap.BytesReceived
		m.BytesSent = snap.BytesSent
		m.ErrorCount = snap.ErrorCount
		m.LatencyMs = snap.LatencyMs
	})
	c.storeError("touch session", err)
}

// storeError logs store failures; the session keeps running on local state
func (c *Connection) storeError(op string, err error) {
	if err == nil || errors.Is(err, session.ErrNotFound) || errors.Is(err, context.Canceled) {
		return
	}
	c.gw.errHandler.Handle(errhandler.NewDependencyError("session_store", op, err), "session_store")
	c.countError(errhandler.KindDependency)
}

func (c *Connection) handleAudio(raw []byte) {
	c.mu.Lock()
	format := c.format
	c.mu.Unlock()

	processed := c.processor.Process(raw, format)
	if c.gw.deps.Collectors != nil {
		c.gw.deps.Collectors.RecordAudio("in", len(raw), processed.Elapsed)
	}
	if processed.Empty() {
		c.processingError("audio frame could not be processed", nil)
		return
	}
	c.tracker.Success()

	if c.Features().Visualization {
		_ = c.writer.Send(audioLevelMessage{
			Type:     MessageTypeAudioLevel,
			Level:    processed.Level,
			IsSpeech: processed.VAD.IsSpeech,
			Spectrum: audio.GetSpectrum(processed.PCM, c.gw.cfg.SpectrumSize),
		})
	}
	if c.State() == StateStreaming {
		c.engine.SubmitAudio(processed.PCM, processed.VAD)
	}
}

func (c *Connection) startRecording() {
	if c.setState(StateStreaming) {
		c.engine.StartStreaming()
		c.setStatus(session.StatusStreaming)
	}
	_ = c.writer.Send(simple(MessageTypeRecordingStarted))
}

// stopRecording ends the audio turn; transcription runs on the turn worker
func (c *Connection) stopRecording() {
	if !c.setState(StateIdle) {
		_ = c.writer.Send(simple(MessageTypeRecordingStopped))
		return
	}
	c.setStatus(session.StatusPaused)

	pcm, err := c.engine.TakeTurn()
	_ = c.writer.Send(recordingMessage{Type: MessageTypeRecordingStopped, BufferedBytes: len(pcm)})
	if err != nil {
		if !errors.Is(err, conversation.ErrNoAudio) {
			c.logger.Debug("no audio turn to complete", zap.Error(err))
		}
		return
	}
	c.enqueueTurn(turnRequest{kind: turnAudio, pcm: pcm})
}

func (c *Connection) setStatus(status session.Status) {
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	_, err := c.gw.deps.Sessions.Store().SetStatus(ctx, c.id, status)
	c.storeError("set status", err)
}

func (c *Connection) setLanguage(raw string) {
	language, err := normalizeLanguage(raw)
	if err != nil {
		c.processingError("invalid language", err)
		return
	}
	settings := session.LanguageSettings{Input: language, Output: language}
	c.mu.Lock()
	settings.AutoDetect = c.language.AutoDetect
	c.language = settings
	c.mu.Unlock()
	c.engine.SetLanguage(language)

	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	_, err = c.gw.deps.Sessions.Store().Update(ctx, c.id, func(r *session.Record) error {
		r.Language = settings
		return nil
	})
	c.storeError("update language", err)
	_ = c.writer.Send(languageMessage{Type: MessageTypeLanguageUpdated, Language: language})
}

func (c *Connection) setFeatures(raw json.RawMessage) {
	c.mu.Lock()
	current := c.features
	c.mu.Unlock()

	features, err := applyFeatures(current, raw)
	if err != nil {
		c.processingError("invalid features", err)
		return
	}
	c.mu.Lock()
	c.features = features
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	_, err = c.gw.deps.Sessions.Store().Update(ctx, c.id, func(r *session.Record) error {
		r.Features = features
		return nil
	})
	c.storeError("update features", err)
	_ = c.writer.Send(featuresMessage{Type: MessageTypeFeaturesUpdated, Features: nonNil(features.Enabled())})
}

// applyFeatures accepts either a list of names to enable or an object of toggles
func applyFeatures(current session.Features, raw json.RawMessage) (session.Features, error) {
	if len(raw) == 0 {
		return current, errors.New("features are required")
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		var f session.Features
		for _, name := range names {
			if !setFeature(&f, name, true) {
				return current, fmt.Errorf("unknown feature %q", name)
			}
		}
		return f, nil
	}

	var toggles map[string]bool
	if err := json.Unmarshal(raw, &toggles); err != nil {
		return current, err
	}
	f := current
	for name, on := range toggles {
		if !setFeature(&f, name, on) {
			return current, fmt.Errorf("unknown feature %q", name)
		}
	}
	return f, nil
}

func setFeature(f *session.Features, name string, on bool) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "transcription":
		f.Transcription = on
	case "translation":
		f.Translation = on
	case "sentimentanalysis", "sentiment":
		f.SentimentAnalysis = on
	case "intentdetection", "intent":
		f.IntentDetection = on
	case "voicecloning":
		f.VoiceCloning = on
	case "visualization":
		f.Visualization = on
	default:
		return false
	}
	return true
}

// textInput is rate limited per identity; an unreachable limiter lets an
// established session continue
func (c *Connection) textInput(text string) {
	if strings.TrimSpace(text) == "" {
		c.processingError("text is required", nil)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	res, err := c.gw.deps.Security.CheckRateLimit(ctx, c.identity.UserID, c.identity.Tier)
	cancel()
	switch {
	case err != nil:
		c.logger.Warn("rate limit check failed, allowing live session", zap.Error(err))
	case !res.Allowed:
		c.countError(errhandler.KindSetup)
		_ = c.writer.SendError("rate limit exceeded")
		return
	}
	c.enqueueTurn(turnRequest{kind: turnText, text: text})
}

func (c *Connection) enqueueTurn(t turnRequest) {
	select {
	case c.turns <- t:
	default:
		c.processingError("too many pending requests", nil)
	}
}

func (c *Connection) turnLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-c.turns:
			c.runTurn(t)
		}
	}
}

func (c *Connection) runTurn(t turnRequest) {
	ctx, cancel := context.WithTimeout(c.ctx, c.gw.cfg.TurnTimeout)
	defer cancel()

	switch t.kind {
	case turnText:
		resp, err := c.engine.SubmitText(ctx, t.text)
		if err != nil {
			c.turnError(err)
			return
		}
		c.deliver(t.text, resp, false)
	case turnAudio:
		tr, resp, err := c.engine.CompleteTurn(ctx, t.pcm)
		if tr.Text != "" && c.Features().Transcription {
			_ = c.writer.Send(transcriptMessage{Type: MessageTypeTranscript, Transcript: tr})
		}
		if err != nil {
			c.turnError(err)
			return
		}
		if resp == nil {
			return
		}
		c.deliver(tr.Text, resp, true)
	}
}

func (c *Connection) turnError(err error) {
	if c.State() == StateClosed || errors.Is(err, conversation.ErrReleased) {
		return
	}
	classified := c.gw.errHandler.Handle(err, "conversation")
	c.countError(classified.Kind)
	if classified.Kind == errhandler.KindDependency {
		_ = c.writer.SendError("the assistant is temporarily unavailable")
		return
	}
	_ = c.writer.SendError(classified.Message)
}

// deliver sends the response and records the exchange in the session context
func (c *Connection) deliver(userText string, resp *conversation.Response, voice bool) {
	if c.State() == StateClosed {
		return
	}
	features := c.Features()
	if voice {
		_ = c.writer.Send(voiceResponseMessage{
			Type:     MessageTypeVoiceResponse,
			ID:       resp.ID,
			Text:     resp.Text,
			Emotion:  resp.Emotion,
			Duration: millis(resp.Duration),
			SSML:     resp.SSML,
			Prosody:  resp.Prosody,
			Intent:   resp.Intent,
		})
	} else {
		msg := textResponseMessage{
			Type:     MessageTypeTextResponse,
			ID:       resp.ID,
			Text:     resp.Text,
			Intent:   resp.Intent,
			Entities: resp.Entities,
		}
		if features.SentimentAnalysis {
			s := resp.Sentiment
			msg.Sentiment = &s
			msg.Emotion = resp.Emotion
		}
		_ = c.writer.Send(msg)
	}
	c.tracker.Success()

	now := c.gw.now()
	c.mu.Lock()
	c.turnLatency += resp.Latency
	c.turnCount++
	c.mu.Unlock()

	turn := session.Turn{
		Messages: []session.Message{
			{ID: uuid.NewString(), Role: "user", Content: userText, Intent: resp.Intent, Timestamp: now},
			{ID: resp.ID, Role: "assistant", Content: resp.Text, Timestamp: now},
		},
		Intent:     resp.Intent,
		Confidence: resp.Confidence,
		Entities:   resp.Entities,
		Sentiment:  resp.Sentiment,
	}
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	_, err := c.gw.deps.Sessions.Store().RecordTurn(ctx, c.id, turn)
	c.storeError("record turn", err)
}

func (c *Connection) getContext() {
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	rec, err := c.gw.deps.Sessions.Store().Get(ctx, c.id)
	if err != nil {
		c.storeError("get context", err)
		_ = c.writer.SendError("context unavailable")
		return
	}
	_ = c.writer.Send(contextMessage{
		Type:      MessageTypeContext,
		History:   nonNilMessages(rec.Context.History),
		Intent:    rec.Context.CurrentIntent,
		Entities:  nonNilEntities(rec.Context.Entities),
		Sentiment: rec.Context.Sentiment,
		Quality:   c.Quality(),
	})
}

func (c *Connection) clearContext() {
	c.engine.Reset()
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	_, err := c.gw.deps.Sessions.Store().ClearContext(ctx, c.id)
	c.storeError("clear context", err)
	_ = c.writer.Send(simple(MessageTypeContextCleared))
}

// pong measures the round trip from the echoed heartbeat timestamp
func (c *Connection) pong(timestamp int64) {
	now := c.gw.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var rtt time.Duration
	switch {
	case timestamp > 0:
		rtt = now.Sub(time.UnixMilli(timestamp))
	case !c.lastPing.IsZero():
		rtt = now.Sub(c.lastPing)
	}
	if rtt < 0 {
		rtt = 0
	}
	c.rtt = rtt
	c.lastPong = now
}

// Quality reports the link quality seen by heartbeats
func (c *Connection) Quality() QualityReport {
	now := c.gw.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	report := QualityReport{
		Quality:   ClassifyQuality(c.rtt, now.Sub(c.lastPong), c.gw.cfg.HeartbeatInterval),
		LatencyMs: c.rtt.Milliseconds(),
	}
	if !c.lastPong.Equal(c.startedAt) {
		report.LastPong = c.lastPong.UnixMilli()
	}
	return report
}

func (c *Connection) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.gw.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := c.gw.now()
			c.mu.Lock()
			c.lastPing = now
			c.mu.Unlock()
			_ = c.writer.Send(heartbeatMessage{Type: MessageTypeHeartbeat, Timestamp: now.UnixMilli()})
		}
	}
}

// forwardEvents relays background engine output until the engine is released
func (c *Connection) forwardEvents() {
	defer c.wg.Done()
	for ev := range c.engine.Events() {
		switch ev.Kind {
		case conversation.EventPartialTranscript:
			if c.Features().Transcription {
				_ = c.writer.Send(transcriptMessage{Type: MessageTypeTranscript, Transcript: ev.Transcript})
			}
		case conversation.EventError:
			c.turnError(ev.Err)
		}
	}
}

// processingError is recovered locally; the connection stays open
func (c *Connection) processingError(message string, err error) {
	c.gw.errHandler.Handle(errhandler.NewProcessingError("gateway", message, err), "gateway")
	c.countError(errhandler.KindProcessing)
	_ = c.writer.SendError(message)
}

// countError feeds the session counter and the degraded-mode tracker
func (c *Connection) countError(kind errhandler.Kind) {
	c.mu.Lock()
	c.counters.ErrorCount++
	c.mu.Unlock()
	if c.gw.deps.Collectors != nil {
		c.gw.deps.Collectors.RecordError(kind.String())
	}
	if c.tracker.Record(kind) {
		c.logger.Warn("session degraded", zap.Int("consecutiveErrors", errhandler.DegradedThreshold))
		_ = c.writer.Send(errorMessage{
			Type:     MessageTypeError,
			Message:  "session degraded: repeated processing errors",
			Degraded: true,
		})
	}
}

// teardown runs once. Every step is best effort so one failing dependency
// cannot leak the others.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		reason := c.closeReason
		code := c.closeCode
		c.mu.Unlock()
		if reason == "" {
			reason = reasonClientClosed
		}

		c.cancel()
		if n := c.engine.DiscardAudio(); n > 0 {
			c.logger.Debug("discarded buffered audio", zap.Int("bytes", n))
		}
		c.engine.Release()
		c.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		endedAt := c.gw.now()
		snap := c.snapshot()
		snap.Duration = endedAt.Sub(c.startedAt)

		if _, err := c.gw.deps.Sessions.End(ctx, c.id); err != nil {
			c.logger.Warn("end session failed", zap.Error(err))
		}
		if err := c.gw.deps.Security.ReleaseConnection(ctx, c.identity.UserID, c.orgID); err != nil {
			c.logger.Warn("release connection slot failed", zap.Error(err))
		}
		if agg := c.gw.deps.Aggregator; agg != nil {
			c.mu.Lock()
			summary := metrics.SessionSummary{
				EndedAt:   endedAt,
				Duration:  snap.Duration,
				BytesIn:   snap.BytesReceived,
				BytesOut:  snap.BytesSent,
				Messages:  snap.MessageCount,
				Errors:    snap.ErrorCount,
				Language:  c.language.Input,
				Features:  c.features.Enabled(),
				LatencyMs: snap.LatencyMs,
			}
			c.mu.Unlock()
			if err := agg.RecordSession(ctx, summary); err != nil {
				c.logger.Warn("record session metrics failed", zap.Error(err))
			}
		}
		if col := c.gw.deps.Collectors; col != nil {
			col.ConnectionClosed(reason, snap.Duration)
		}

		c.writer.Close()
		if code == 0 {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		_ = c.conn.Close()

		c.logger.Info("voice session closed",
			zap.String("reason", reason),
			zap.Duration("duration", snap.Duration),
			zap.Int64("messages", snap.MessageCount),
			zap.Int64("errors", snap.ErrorCount))
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMessages(s []session.Message) []session.Message {
	if s == nil {
		return []session.Message{}
	}
	return s
}

func nonNilEntities(s []session.Entity) []session.Entity {
	if s == nil {
		return []session.Entity{}
	}
	return s
}
