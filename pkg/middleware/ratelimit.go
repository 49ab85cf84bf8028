package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/code-100-precent/LingEcho-gateway/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const rateLimiterPrefix = "voice:http_limiter"

// RateLimiterConfig HTTP 接口限流配置
type RateLimiterConfig struct {
	Rate          string            `json:"rate"`       // 形如 "1000-M"
	Identifier    string            `json:"identifier"` // ip 或 header:<name>
	AddHeaders    bool              `json:"addHeaders"`
	DenyStatus    int               `json:"denyStatus"`
	DenyMessage   string            `json:"denyMessage"`
	PerRouteRates map[string]string `json:"perRouteRates"` // 路径前缀 -> rate
	SkipPaths     []string          `json:"skipPaths"`
	SkipInternal  bool              `json:"skipInternal"` // 内网地址（探针、sidecar）不限流
}

// DefaultRateLimiterConfig 默认配置
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:        "600-M",
		Identifier:  "ip",
		AddHeaders:  true,
		DenyStatus:  http.StatusTooManyRequests,
		DenyMessage: "Requests too frequent, please try again later",
		SkipPaths:   []string{"/health", "/metrics"},
	}
}

type routeLimiter struct {
	prefix  string
	limiter *limiter.Limiter
}

// RateLimiter limits REST requests per client. Counters live in redis when a
// client is given so every gateway instance shares them.
type RateLimiter struct {
	mu     sync.RWMutex
	cfg    RateLimiterConfig
	store  limiter.Store
	global *limiter.Limiter
	routes []routeLimiter
	logger *zap.Logger
}

// NewRateLimiter builds the limiter. A nil client falls back to an in-memory store.
func NewRateLimiter(cfg RateLimiterConfig, client redis.UniversalClient, logger *zap.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = zap.L()
	}
	var store limiter.Store
	if client != nil {
		s, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: rateLimiterPrefix})
		if err != nil {
			return nil, fmt.Errorf("create limiter store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: rateLimiterPrefix})
	}

	rl := &RateLimiter{store: store, logger: logger}
	if err := rl.SetConfig(cfg); err != nil {
		return nil, err
	}
	return rl, nil
}

// SetConfig swaps the rates at runtime
func (rl *RateLimiter) SetConfig(cfg RateLimiterConfig) error {
	d := DefaultRateLimiterConfig()
	if cfg.Rate == "" {
		cfg.Rate = d.Rate
	}
	if cfg.Identifier == "" {
		cfg.Identifier = d.Identifier
	}
	if cfg.DenyStatus == 0 {
		cfg.DenyStatus = d.DenyStatus
	}
	if cfg.DenyMessage == "" {
		cfg.DenyMessage = d.DenyMessage
	}

	rate, err := limiter.NewRateFromFormatted(cfg.Rate)
	if err != nil {
		return fmt.Errorf("parse rate %q: %w", cfg.Rate, err)
	}
	global := limiter.New(rl.store, rate)

	routes := make([]routeLimiter, 0, len(cfg.PerRouteRates))
	for prefix, formatted := range cfg.PerRouteRates {
		r, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return fmt.Errorf("parse rate %q for %s: %w", formatted, prefix, err)
		}
		routes = append(routes, routeLimiter{prefix: prefix, limiter: limiter.New(rl.store, r)})
	}
	// 最长前缀优先
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && len(routes[j].prefix) > len(routes[j-1].prefix); j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}

	rl.mu.Lock()
	rl.cfg = cfg
	rl.global = global
	rl.routes = routes
	rl.mu.Unlock()
	return nil
}

// Config returns the active configuration
func (rl *RateLimiter) Config() RateLimiterConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.cfg
}

// Middleware 限流中间件; store failures let the request through
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl.mu.RLock()
		cfg := rl.cfg
		lim, scope := rl.global, "global"
		path := c.Request.URL.Path
		for _, r := range rl.routes {
			if strings.HasPrefix(path, r.prefix) {
				lim, scope = r.limiter, r.prefix
				break
			}
		}
		rl.mu.RUnlock()

		for _, skip := range cfg.SkipPaths {
			if strings.HasPrefix(path, skip) {
				c.Next()
				return
			}
		}
		if cfg.SkipInternal && utils.IsInternalIP(c.ClientIP()) {
			c.Next()
			return
		}

		key := scope + ":" + identify(c, cfg.Identifier)
		result, err := lim.Get(c.Request.Context(), key)
		if err != nil {
			rl.logger.Warn("rate limiter store unavailable", zap.Error(err), zap.String("path", path))
			c.Next()
			return
		}

		if cfg.AddHeaders {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))
		}
		if result.Reached {
			c.AbortWithStatusJSON(cfg.DenyStatus, gin.H{
				"code": cfg.DenyStatus,
				"msg":  cfg.DenyMessage,
				"data": nil,
			})
			return
		}
		c.Next()
	}
}

func identify(c *gin.Context, identifier string) string {
	if name, ok := strings.CutPrefix(identifier, "header:"); ok {
		if v := c.GetHeader(name); v != "" {
			return v
		}
	}
	return c.ClientIP()
}
