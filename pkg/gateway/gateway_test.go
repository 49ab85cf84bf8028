package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/code-100-precent/LingEcho-gateway/pkg/audio"
	"github.com/code-100-precent/LingEcho-gateway/pkg/conversation"
	"github.com/code-100-precent/LingEcho-gateway/pkg/llm"
	"github.com/code-100-precent/LingEcho-gateway/pkg/metrics"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOrigin = "https://app.example.com"

type fakeVerifier map[string]security.Identity

func (f fakeVerifier) Verify(_ context.Context, token string) (security.Identity, error) {
	id, ok := f[token]
	if !ok {
		return security.Identity{}, errors.New("token is expired")
	}
	return id, nil
}

type fakeModel struct {
	mu         sync.Mutex
	reply      string
	transcript string
}

func (f *fakeModel) Complete(_ context.Context, _ []llm.Message) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return llm.Completion{Text: f.reply}, nil
}

func (f *fakeModel) Transcribe(_ context.Context, _ []byte, language string) (llm.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return llm.Transcription{Text: f.transcript, Language: language, Confidence: 0.9}, nil
}

type testEnv struct {
	gw         *Gateway
	server     *httptest.Server
	sessions   *session.Manager
	security   *security.Manager
	aggregator *metrics.Aggregator
	collectors *metrics.Collectors
	mr         *miniredis.Miniredis
}

func newTestEnv(t *testing.T, secCfg security.Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if secCfg.AllowedOrigins == nil {
		secCfg.AllowedOrigins = []string{testOrigin}
	}
	secCfg.Production = true
	verifier := fakeVerifier{
		"good":  {UserID: "u1", OrganizationID: "org-1", Tier: security.TierPro},
		"other": {UserID: "u2", OrganizationID: "org-2"},
	}
	logger := zap.NewNop()
	env := &testEnv{
		sessions:   session.NewManager(session.NewStore(client, session.Config{}, logger), logger),
		security:   security.NewManager(client, verifier, nil, nil, secCfg, logger),
		aggregator: metrics.NewAggregator(client, metrics.Config{}, logger),
		collectors: metrics.NewCollectors(""),
		mr:         mr,
	}
	env.gw = New(Dependencies{
		Security:   env.security,
		Sessions:   env.sessions,
		Model:      &fakeModel{reply: `{"text":"Let's get started."}`, transcript: "deploy my site"},
		Audio:      audio.DefaultConfig(),
		Aggregator: env.aggregator,
		Collectors: env.collectors,
	}, Config{HeartbeatInterval: time.Hour}, logger)

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.gw.HandleWebSocket(w, r, "127.0.0.1")
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, query, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/voice?" + query
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials and consumes the connected message
func (e *testEnv) connect(t *testing.T) (*websocket.Conn, map[string]interface{}) {
	t.Helper()
	conn := e.dial(t, "token=good&organizationId=org-1", testOrigin)
	msg := readType(t, conn, MessageTypeConnected)
	return conn, msg
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// readType skips messages until one of the given type arrives
func readType(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	return readMatch(t, conn, func(m map[string]interface{}) bool { return m["type"] == msgType })
}

func readMatch(t *testing.T, conn *websocket.Conn, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		if match(m) {
			return m
		}
	}
}

// closeCode reads until the server closes and returns the close code
func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce.Code
	}
}

// tone is 100ms of a 440Hz sine as 16 kHz mono pcm16
func tone() []byte {
	const samples = 1600
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestGateway_Connected(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	_, msg := env.connect(t)

	id, _ := msg["sessionId"].(string)
	require.NotEmpty(t, id)
	assert.ElementsMatch(t, []interface{}{"transcription", "sentimentAnalysis", "intentDetection"}, msg["features"])
	cfg := msg["config"].(map[string]interface{})
	assert.Equal(t, float64(audio.DefaultChunkDurationMs), cfg["chunkDurationMs"])

	view, err := env.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "u1", view.Record.UserID)
	assert.Equal(t, "org-1", view.Record.OrganizationID)
	assert.Equal(t, "127.0.0.1", view.Record.Security.OriginIP)
	assert.NotNil(t, view.Live)
	assert.Equal(t, 1, env.sessions.ActiveCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.collectors.ActiveConnections))
	assert.Equal(t, map[Quality]int{QualityGood: 1}, env.gw.QualitySummary())
}

func TestGateway_SetupRejections(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		origin string
		code   int
	}{
		{"invalid origin", "token=good", "https://evil.example.com", CloseInvalidOrigin},
		{"missing origin in production", "token=good", "", CloseInvalidOrigin},
		{"missing token", "", testOrigin, CloseAuthFailed},
		{"bad token", "token=forged", testOrigin, CloseAuthFailed},
		{"foreign organization", "token=other&organizationId=org-1", testOrigin, CloseAccessDenied},
		{"foreign project", "token=good&projectId=p-9", testOrigin, CloseAccessDenied},
		{"sample rate too low", "token=good&sampleRate=1", testOrigin, CloseSetupFailed},
		{"sample rate too high", "token=good&sampleRate=192000", testOrigin, CloseSetupFailed},
		{"too many channels", "token=good&channels=32", testOrigin, CloseSetupFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, security.Config{})
			conn := env.dial(t, tt.query, tt.origin)
			assert.Equal(t, tt.code, closeCode(t, conn))
			assert.Zero(t, env.sessions.ActiveCount())
		})
	}
}

func TestGateway_ConnectionLimit(t *testing.T) {
	env := newTestEnv(t, security.Config{MaxUserConnections: 2})
	env.connect(t)
	env.connect(t)

	conn := env.dial(t, "token=good", testOrigin)
	assert.Equal(t, CloseConnectionLimit, closeCode(t, conn))
	assert.Equal(t, 2, env.sessions.ActiveCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.collectors.ConnectionsRejected.WithLabelValues("connection_limit")))
}

func TestGateway_RateLimitedHandshake(t *testing.T) {
	env := newTestEnv(t, security.Config{Quotas: map[security.Tier]security.Quota{
		security.TierPro: {Requests: 1, Window: time.Minute},
	}})
	env.connect(t)

	conn := env.dial(t, "token=good", testOrigin)
	assert.Equal(t, CloseRateLimited, closeCode(t, conn))
}

func TestGateway_TextTurn(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, connected := env.connect(t)

	send(t, conn, map[string]string{"type": MessageTypeTextInput, "text": "Create a restaurant website"})
	resp := readType(t, conn, MessageTypeTextResponse)
	assert.Equal(t, conversation.IntentCreateProject, resp["intent"])
	assert.NotEmpty(t, resp["text"])
	assert.Contains(t, resp, "sentiment")

	send(t, conn, map[string]string{"type": MessageTypeGetContext})
	ctxMsg := readType(t, conn, MessageTypeContext)
	history := ctxMsg["history"].([]interface{})
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].(map[string]interface{})["role"])
	assert.Equal(t, "assistant", history[1].(map[string]interface{})["role"])
	assert.Equal(t, conversation.IntentCreateProject, ctxMsg["intent"])
	quality := ctxMsg["quality"].(map[string]interface{})
	assert.Equal(t, string(QualityGood), quality["quality"])

	send(t, conn, map[string]string{"type": MessageTypeClearContext})
	readType(t, conn, MessageTypeContextCleared)
	rec, err := env.sessions.Store().Get(context.Background(), connected["sessionId"].(string))
	require.NoError(t, err)
	assert.Empty(t, rec.Context.History)
	assert.Empty(t, rec.Context.CurrentIntent)
}

func TestGateway_RecordingTurn(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, connected := env.connect(t)
	id := connected["sessionId"].(string)

	send(t, conn, map[string]string{"type": MessageTypeStartRecording})
	readType(t, conn, MessageTypeRecordingStarted)
	rec, err := env.sessions.Store().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStreaming, rec.Status)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, tone()))
	}
	send(t, conn, map[string]string{"type": MessageTypeStopRecording})

	stopped := readType(t, conn, MessageTypeRecordingStopped)
	assert.Greater(t, stopped["bufferedBytes"], float64(0))
	final := readMatch(t, conn, func(m map[string]interface{}) bool {
		return m["type"] == MessageTypeTranscript && m["isFinal"] == true
	})
	assert.Equal(t, "deploy my site", final["text"])
	voice := readType(t, conn, MessageTypeVoiceResponse)
	assert.Equal(t, conversation.IntentDeploy, voice["intent"])
	assert.NotEmpty(t, voice["ssml"])

	rec, err = env.sessions.Store().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, rec.Status)
	assert.GreaterOrEqual(t, rec.Metrics.MessageCount, int64(5))
}

func TestGateway_StopWithoutAudio(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, _ := env.connect(t)

	send(t, conn, map[string]string{"type": MessageTypeStartRecording})
	readType(t, conn, MessageTypeRecordingStarted)
	send(t, conn, map[string]string{"type": MessageTypeStopRecording})
	msg := readType(t, conn, MessageTypeRecordingStopped)
	assert.NotContains(t, msg, "bufferedBytes")
}

func TestGateway_LanguageAndFeatures(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, connected := env.connect(t)
	id := connected["sessionId"].(string)

	send(t, conn, map[string]string{"type": MessageTypeSetLanguage, "language": "es-ES"})
	lang := readType(t, conn, MessageTypeLanguageUpdated)
	assert.Equal(t, "es-ES", lang["language"])

	send(t, conn, map[string]interface{}{"type": MessageTypeSetFeatures, "features": []string{"transcription", "visualization"}})
	features := readType(t, conn, MessageTypeFeaturesUpdated)
	assert.Equal(t, []interface{}{"transcription", "visualization"}, features["features"])

	rec, err := env.sessions.Store().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "es-ES", rec.Language.Input)
	assert.True(t, rec.Features.Visualization)
	assert.False(t, rec.Features.IntentDetection)

	// visualization streams levels for every frame
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, tone()))
	level := readType(t, conn, MessageTypeAudioLevel)
	assert.Greater(t, level["level"], float64(0))
	assert.NotEmpty(t, level["spectrum"])
}

func TestGateway_ProcessingErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, _ := env.connect(t)

	send(t, conn, map[string]string{"type": "bogus"})
	msg := readType(t, conn, MessageTypeError)
	assert.Equal(t, "unknown message type: bogus", msg["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readType(t, conn, MessageTypeError)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{}))
	degraded := readMatch(t, conn, func(m map[string]interface{}) bool { return m["degraded"] == true })
	assert.Equal(t, MessageTypeError, degraded["type"])

	// the session still answers
	send(t, conn, map[string]string{"type": MessageTypeGetContext})
	readType(t, conn, MessageTypeContext)
	assert.Equal(t, 1, env.sessions.ActiveCount())
}

func TestGateway_UnknownMessageTypesShareOneSeries(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, _ := env.connect(t)

	for i := 0; i < 50; i++ {
		send(t, conn, map[string]string{"type": fmt.Sprintf("junk-%d", i)})
		readType(t, conn, MessageTypeError)
	}
	send(t, conn, map[string]string{"type": MessageTypeGetContext})
	readType(t, conn, MessageTypeContext)

	messages := env.collectors.MessagesTotal
	assert.Equal(t, 50.0, testutil.ToFloat64(messages.WithLabelValues(messageTypeUnknown)))
	assert.Equal(t, 1.0, testutil.ToFloat64(messages.WithLabelValues(MessageTypeGetContext)))
	// unknown + get_context; the two label lookups above create no junk series
	assert.Equal(t, 2, testutil.CollectAndCount(messages))
}

func TestMessageLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{MessageTypeTextInput, MessageTypeTextInput},
		{MessageTypePong, MessageTypePong},
		{messageTypeBinaryAudio, messageTypeBinaryAudio},
		{messageTypeInvalid, messageTypeInvalid},
		{"junk-1", messageTypeUnknown},
		{MessageTypeConnected, messageTypeUnknown},
		{"", messageTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, messageLabel(tt.in))
		})
	}
}

func TestGateway_Pong(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, _ := env.connect(t)

	send(t, conn, map[string]interface{}{"type": MessageTypePong, "timestamp": time.Now().Add(-200 * time.Millisecond).UnixMilli()})
	send(t, conn, map[string]string{"type": MessageTypeGetContext})
	msg := readType(t, conn, MessageTypeContext)
	quality := msg["quality"].(map[string]interface{})
	assert.Equal(t, string(QualityFair), quality["quality"])
	assert.GreaterOrEqual(t, quality["latencyMs"], float64(200))
}

func TestGateway_TeardownReleasesEverything(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, connected := env.connect(t)
	id := connected["sessionId"].(string)

	send(t, conn, map[string]string{"type": MessageTypeTextInput, "text": "help me deploy"})
	readType(t, conn, MessageTypeTextResponse)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return env.sessions.ActiveCount() == 0 }, 3*time.Second, 10*time.Millisecond)
	ctx := context.Background()
	require.Eventually(t, func() bool {
		status, err := env.security.CheckConnectionLimit(ctx, "u1", "org-1")
		return err == nil && status.UserCount == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, err := env.sessions.Store().Get(ctx, id)
	assert.ErrorIs(t, err, session.ErrNotFound)

	require.Eventually(t, func() bool {
		stats, err := env.aggregator.GetStats(ctx, time.Now())
		return err == nil && stats.Sessions == 1
	}, 3*time.Second, 10*time.Millisecond)
	stats, err := env.aggregator.GetStats(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Messages, int64(1))
	assert.Equal(t, int64(1), stats.Languages["en-US"])
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.collectors.ActiveConnections) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_IdleCleanupClosesWithTimeoutCode(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	conn, _ := env.connect(t)

	env.sessions.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	removed := env.sessions.CleanupInactive(context.Background(), time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, CloseIdleTimeout, closeCode(t, conn))

	require.Eventually(t, func() bool {
		status, err := env.security.CheckConnectionLimit(context.Background(), "u1", "org-1")
		return err == nil && status.UserCount == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_ShutdownClosesAll(t *testing.T) {
	env := newTestEnv(t, security.Config{})
	a, _ := env.connect(t)
	b, _ := env.connect(t)

	env.gw.Shutdown("server shutting down")
	assert.Equal(t, websocket.CloseGoingAway, closeCode(t, a))
	assert.Equal(t, websocket.CloseGoingAway, closeCode(t, b))
	require.Eventually(t, func() bool { return env.sessions.ActiveCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestParseHandshake(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/voice?orgId=o1&projectId=p1&codec=mulaw&sampleRate=8000&deviceId=d1", nil)
	r.Header.Set("Authorization", "Bearer abc")
	r.Header.Set("X-Forwarded-Proto", "https")

	hs := parseHandshake(r, "10.0.0.1", "en-US")
	assert.Equal(t, "abc", hs.token)
	assert.Equal(t, "o1", hs.organizationID)
	assert.Equal(t, "p1", hs.projectID)
	assert.Equal(t, "en-US", hs.language)
	assert.Equal(t, "d1", hs.deviceID)
	assert.True(t, hs.secure)
	assert.Equal(t, audio.Codec("mulaw"), hs.format.Codec)
	assert.Equal(t, 8000, hs.format.SampleRate)
	assert.Equal(t, 1, hs.format.Channels)
	assert.NoError(t, hs.formatErr)

	r = httptest.NewRequest(http.MethodGet, "/ws/voice?sampleRate=1", nil)
	hs = parseHandshake(r, "10.0.0.1", "en-US")
	assert.ErrorIs(t, hs.formatErr, audio.ErrUnsupportedFormat)

	r = httptest.NewRequest(http.MethodGet, "/ws/voice?sampleRate=-8000", nil)
	hs = parseHandshake(r, "10.0.0.1", "en-US")
	assert.ErrorIs(t, hs.formatErr, audio.ErrUnsupportedFormat)
}

func TestApplyFeatures(t *testing.T) {
	base := session.Features{Transcription: true, IntentDetection: true}

	f, err := applyFeatures(base, json.RawMessage(`["sentiment_analysis","visualization"]`))
	require.NoError(t, err)
	assert.Equal(t, session.Features{SentimentAnalysis: true, Visualization: true}, f)

	f, err = applyFeatures(base, json.RawMessage(`{"intentDetection":false,"translation":true}`))
	require.NoError(t, err)
	assert.Equal(t, session.Features{Transcription: true, Translation: true}, f)

	_, err = applyFeatures(base, json.RawMessage(`["telepathy"]`))
	assert.Error(t, err)
	_, err = applyFeatures(base, nil)
	assert.Error(t, err)
}

func TestClassifyQuality(t *testing.T) {
	interval := 30 * time.Second
	tests := []struct {
		name      string
		latency   time.Duration
		sincePong time.Duration
		want      Quality
	}{
		{"fast", 20 * time.Millisecond, time.Second, QualityGood},
		{"fair", 200 * time.Millisecond, time.Second, QualityFair},
		{"slow", time.Second, time.Second, QualityPoor},
		{"missed heartbeats", 20 * time.Millisecond, 2 * time.Minute, QualityLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyQuality(tt.latency, tt.sincePong, interval))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateConnecting, StateAuthenticated))
	assert.True(t, CanTransition(StateIdle, StateStreaming))
	assert.True(t, CanTransition(StateStreaming, StateIdle))
	assert.True(t, CanTransition(StateStreaming, StateClosed))
	assert.False(t, CanTransition(StateClosed, StateIdle))
	assert.False(t, CanTransition(StateConnecting, StateStreaming))
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "es-ES", want: "es-ES"},
		{in: " en-us ", want: "en-US"},
		{in: "ZH", want: "zh"},
		{in: "", wantErr: true},
		{in: "not a language", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeLanguage(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/ws/voice?language=fr-fr", nil)
	assert.Equal(t, "fr-FR", parseHandshake(r, "", "en-US").language)
	r = httptest.NewRequest(http.MethodGet, "/ws/voice?language=%3F%3F", nil)
	assert.Equal(t, "en-US", parseHandshake(r, "", "en-US").language)
}
