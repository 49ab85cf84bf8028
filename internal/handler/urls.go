package handlers

import (
	"github.com/code-100-precent/LingEcho-gateway/pkg/gateway"
	"github.com/code-100-precent/LingEcho-gateway/pkg/metrics"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options wires the HTTP surface to the running components. DB and
// Collectors are optional.
type Options struct {
	Gateway    *gateway.Gateway
	Sessions   *session.Manager
	Security   *security.Manager
	Aggregator *metrics.Aggregator
	Collectors *metrics.Collectors
	Redis      redis.UniversalClient
	DB         *gorm.DB
	APIPrefix  string
	Logger     *zap.Logger
}

type Handlers struct {
	gateway    *gateway.Gateway
	sessions   *session.Manager
	security   *security.Manager
	aggregator *metrics.Aggregator
	collectors *metrics.Collectors
	redis      redis.UniversalClient
	db         *gorm.DB
	apiPrefix  string
	logger     *zap.Logger
}

func NewHandlers(opts Options) *Handlers {
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api"
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Handlers{
		gateway:    opts.Gateway,
		sessions:   opts.Sessions,
		security:   opts.Security,
		aggregator: opts.Aggregator,
		collectors: opts.Collectors,
		redis:      opts.Redis,
		db:         opts.DB,
		apiPrefix:  opts.APIPrefix,
		logger:     opts.Logger,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	// Probes and scrapers
	engine.GET("/health", h.HealthCheck)
	if h.collectors != nil {
		engine.GET("/metrics", gin.WrapH(h.collectors.Handler()))
	}

	// Voice sessions
	h.registerWebSocketRoutes(engine)

	r := engine.Group(h.apiPrefix)
	h.registerMetricsRoutes(r)
	h.registerSessionRoutes(r)
}
