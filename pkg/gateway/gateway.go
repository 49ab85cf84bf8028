package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/audio"
	"github.com/code-100-precent/LingEcho-gateway/pkg/conversation"
	"github.com/code-100-precent/LingEcho-gateway/pkg/errhandler"
	"github.com/code-100-precent/LingEcho-gateway/pkg/llm"
	"github.com/code-100-precent/LingEcho-gateway/pkg/metrics"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/code-100-precent/LingEcho-gateway/pkg/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mssola/user_agent"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

// Config 网关配置
type Config struct {
	HeartbeatInterval time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL"`
	HandshakeTimeout  time.Duration `env:"GATEWAY_HANDSHAKE_TIMEOUT"`
	WriteTimeout      time.Duration `env:"GATEWAY_WRITE_TIMEOUT"`
	TurnTimeout       time.Duration `env:"GATEWAY_TURN_TIMEOUT"`
	ReadLimit         int64         `env:"GATEWAY_READ_LIMIT"`
	ReadBufferSize    int           `env:"GATEWAY_READ_BUFFER_SIZE"`
	WriteBufferSize   int           `env:"GATEWAY_WRITE_BUFFER_SIZE"`
	SpectrumSize      int           `env:"GATEWAY_SPECTRUM_SIZE"`
	DefaultLanguage   string        `env:"GATEWAY_DEFAULT_LANGUAGE"`
	DefaultFeatures   session.Features
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		TurnTimeout:       60 * time.Second,
		ReadLimit:         1 << 20,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		SpectrumSize:      256,
		DefaultLanguage:   "en-US",
		DefaultFeatures: session.Features{
			Transcription:     true,
			SentimentAnalysis: true,
			IntentDetection:   true,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = d.TurnTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.SpectrumSize <= 0 {
		c.SpectrumSize = d.SpectrumSize
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = d.DefaultLanguage
	}
	if c.DefaultFeatures == (session.Features{}) {
		c.DefaultFeatures = d.DefaultFeatures
	}
	return c
}

// Dependencies wires the gateway to its collaborators. Aggregator and
// Collectors are optional.
type Dependencies struct {
	Security     *security.Manager
	Sessions     *session.Manager
	Model        llm.Model
	Audio        audio.Config
	Conversation conversation.Config
	Aggregator   *metrics.Aggregator
	Collectors   *metrics.Collectors
}

// Gateway accepts voice connections and runs one pump per socket
type Gateway struct {
	cfg        Config
	deps       Dependencies
	logger     *zap.Logger
	errHandler *errhandler.Handler
	upgrader   websocket.Upgrader
	now        func() time.Time
	started    time.Time
}

// New 创建网关
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.L()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		errHandler: errhandler.NewHandler(logger),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			// origin is checked after the upgrade so the client gets a close code
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:     time.Now,
		started: time.Now(),
	}
}

// Config returns the effective configuration
func (g *Gateway) Config() Config {
	return g.cfg
}

// Uptime 进程运行时长
func (g *Gateway) Uptime() time.Duration {
	return g.now().Sub(g.started)
}

// handshake carries what the client sent with the upgrade request
type handshake struct {
	token          string
	organizationID string
	projectID      string
	language       string
	deviceID       string
	origin         string
	userAgent      string
	clientIP       string
	secure         bool
	format         audio.Format
	formatErr      error
}

func parseHandshake(r *http.Request, clientIP, defaultLanguage string) handshake {
	q := r.URL.Query()
	h := handshake{
		token:          q.Get("token"),
		organizationID: firstNonEmpty(q.Get("organizationId"), q.Get("orgId")),
		projectID:      q.Get("projectId"),
		language:       defaultLanguage,
		deviceID:       q.Get("deviceId"),
		origin:         r.Header.Get("Origin"),
		userAgent:      r.UserAgent(),
		clientIP:       clientIP,
		secure:         r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		format:         audio.CanonicalFormat(),
	}
	if h.token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			h.token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if lang, err := normalizeLanguage(q.Get("language")); err == nil {
		h.language = lang
	}
	if codec := q.Get("codec"); codec != "" {
		h.format.Codec = audio.Codec(codec)
	}
	if rate, err := strconv.Atoi(q.Get("sampleRate")); err == nil && rate != 0 {
		h.format.SampleRate = rate
	}
	if ch, err := strconv.Atoi(q.Get("channels")); err == nil && ch != 0 {
		h.format.Channels = ch
	}
	h.formatErr = h.format.Validate()
	return h
}

// rejection is a setup failure mapped to a close code
type rejection struct {
	code   int
	reason string
	metric string
	err    error
}

// HandleWebSocket upgrades the request and runs the connection until it closes.
// clientIP is resolved by the router so proxies are honored.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request, clientIP string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("ip", clientIP))
		return
	}
	conn.SetReadLimit(g.cfg.ReadLimit)

	if clientIP = utils.NormalizeIP(clientIP); clientIP == "" {
		clientIP = utils.NormalizeIP(r.RemoteAddr)
	}
	hs := parseHandshake(r, clientIP, g.cfg.DefaultLanguage)
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.HandshakeTimeout)
	c, rej := g.setup(ctx, conn, hs)
	cancel()
	if rej != nil {
		g.reject(conn, hs, rej)
		return
	}
	c.run()
}

// setup runs the checks in order: origin, audio format, authentication,
// tenancy, rate limit, connection cap, session creation
func (g *Gateway) setup(ctx context.Context, conn *websocket.Conn, hs handshake) (*Connection, *rejection) {
	sec := g.deps.Security
	if !sec.ValidateOrigin(hs.origin) {
		sec.Audit(ctx, security.AuditEvent{Type: security.AuditInvalidOrigin, Identity: hs.clientIP, IP: hs.clientIP, Detail: hs.origin})
		return nil, &rejection{code: CloseInvalidOrigin, reason: "invalid origin", metric: "origin"}
	}
	if hs.formatErr != nil {
		return nil, &rejection{code: CloseSetupFailed, reason: "unsupported audio format", metric: "format", err: hs.formatErr}
	}

	identity, err := sec.Authenticate(ctx, hs.token, hs.clientIP)
	if err != nil {
		return nil, &rejection{code: CloseAuthFailed, reason: "authentication failed", metric: "auth", err: err}
	}

	orgID := firstNonEmpty(hs.organizationID, identity.OrganizationID)
	if err := sec.VerifyOrganizationAccess(ctx, identity, orgID); err != nil {
		sec.Audit(ctx, security.AuditEvent{Type: security.AuditAccessDenied, Identity: identity.UserID, IP: hs.clientIP, Detail: "organization " + orgID})
		return nil, &rejection{code: CloseAccessDenied, reason: "organization access denied", metric: "access", err: err}
	}
	if err := sec.VerifyProjectAccess(ctx, identity, hs.projectID); err != nil {
		sec.Audit(ctx, security.AuditEvent{Type: security.AuditAccessDenied, Identity: identity.UserID, IP: hs.clientIP, Detail: "project " + hs.projectID})
		return nil, &rejection{code: CloseAccessDenied, reason: "project access denied", metric: "access", err: err}
	}

	// new connections fail closed when the limiter is unavailable
	rl, err := sec.CheckRateLimit(ctx, identity.UserID, identity.Tier)
	if err != nil {
		return nil, &rejection{code: CloseRateLimited, reason: "rate limit unavailable", metric: "rate_limit", err: errhandler.NewDependencyError("redis", "rate limit check failed", err)}
	}
	if !rl.Allowed {
		return nil, &rejection{code: CloseRateLimited, reason: "rate limit exceeded", metric: "rate_limit", err: security.ErrRateLimited}
	}

	if err := sec.AcquireConnection(ctx, identity.UserID, orgID); err != nil {
		if errors.Is(err, security.ErrConnectionLimitExceeded) {
			return nil, &rejection{code: CloseConnectionLimit, reason: err.Error(), metric: "connection_limit", err: err}
		}
		return nil, &rejection{code: websocket.CloseInternalServerErr, reason: "service unavailable", metric: "dependency", err: err}
	}

	c := g.newConnection(conn, hs, identity, orgID)
	if err := g.deps.Sessions.Create(ctx, c.initialRecord(), c); err != nil {
		if relErr := sec.ReleaseConnection(context.Background(), identity.UserID, orgID); relErr != nil {
			g.logger.Warn("release connection slot failed", zap.Error(relErr))
		}
		c.discard()
		return nil, &rejection{code: websocket.CloseInternalServerErr, reason: "session unavailable", metric: "dependency", err: err}
	}
	return c, nil
}

// reject tells the client why and closes with the matching code
func (g *Gateway) reject(conn *websocket.Conn, hs handshake, rej *rejection) {
	defer conn.Close()

	err := rej.err
	if err == nil {
		err = errors.New(rej.reason)
	}
	classified := g.errHandler.Classify(err, "gateway")
	if classified.Kind != errhandler.KindDependency {
		classified = errhandler.NewSetupError("gateway", rej.reason, err)
	}
	g.errHandler.Handle(classified, "gateway")
	g.logger.Info("connection rejected",
		zap.Int("code", rej.code),
		zap.String("reason", rej.reason),
		zap.String("ip", hs.clientIP))
	if g.deps.Collectors != nil {
		g.deps.Collectors.RecordRejection(rej.metric)
	}

	deadline := time.Now().Add(g.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(errorMessage{Type: MessageTypeError, Message: rej.reason})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(rej.code, truncateReason(rej.reason)), deadline)
}

func (g *Gateway) newConnection(conn *websocket.Conn, hs handshake, identity security.Identity, orgID string) *Connection {
	id := uuid.NewString()
	logger := g.logger.With(zap.String("sessionId", id), zap.String("userId", identity.UserID))

	device := ""
	if hs.userAgent != "" {
		ua := user_agent.New(hs.userAgent)
		browser, version := ua.Browser()
		device = strings.TrimSpace(fmt.Sprintf("%s %s / %s", browser, version, ua.OS()))
		if ua.Mobile() {
			device += " (mobile)"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		gw:        g,
		conn:      conn,
		writer:    NewWriter(conn, g.cfg.WriteTimeout, logger),
		identity:  identity,
		orgID:     orgID,
		projectID: hs.projectID,
		hs:        hs,
		device:    device,
		processor: audio.NewProcessor(g.deps.Audio, logger),
		engine:    conversation.NewEngine(g.deps.Model, g.deps.Conversation, hs.language, logger),
		tracker:   errhandler.NewTracker(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		turns:     make(chan turnRequest, turnQueueSize),
		state:     StateConnecting,
		features:  g.cfg.DefaultFeatures,
		language:  session.LanguageSettings{Input: hs.language, Output: hs.language},
		format:    hs.format,
		startedAt: g.now(),
	}
	c.lastPong = c.startedAt
	c.setState(StateAuthenticated)
	return c
}

// QualitySummary counts live connections on this instance by link quality
func (g *Gateway) QualitySummary() map[Quality]int {
	out := map[Quality]int{}
	for _, live := range g.deps.Sessions.LiveConnections() {
		if c, ok := live.(*Connection); ok {
			out[c.Quality().Quality]++
		}
	}
	return out
}

// Shutdown closes every connection on this instance, e.g. on process exit
func (g *Gateway) Shutdown(reason string) {
	g.deps.Sessions.ShutdownAll(reason)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalizeLanguage canonicalizes a BCP 47 tag, e.g. "es-es" -> "es-ES"
func normalizeLanguage(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("language is required")
	}
	tag, err := language.Parse(s)
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

// close frame payloads are limited to 125 bytes including the code
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}
