package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/cmd/bootstrap"
	handlers "github.com/code-100-precent/LingEcho-gateway/internal/handler"
	"github.com/code-100-precent/LingEcho-gateway/internal/task"
	"github.com/code-100-precent/LingEcho-gateway/pkg/config"
	"github.com/code-100-precent/LingEcho-gateway/pkg/gateway"
	"github.com/code-100-precent/LingEcho-gateway/pkg/llm"
	"github.com/code-100-precent/LingEcho-gateway/pkg/logger"
	"github.com/code-100-precent/LingEcho-gateway/pkg/metrics"
	"github.com/code-100-precent/LingEcho-gateway/pkg/middleware"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security/identity"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	// 1. Parse Command Line Parameters
	mode := flag.String("mode", "", "running environment (development, test, production)")
	addrFlag := flag.String("addr", "", "HTTP serve address, overrides ADDR")
	flag.Parse()

	// 2. Set Environment Variables
	if *mode != "" {
		os.Setenv("APP_ENV", *mode)
	}

	// 3. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	cfg := config.GlobalConfig
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	// 4. Load Log Configuration
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()
	lg := logger.Lg

	logger.Info("checked config -- addr: ", zap.String("addr", cfg.Addr))
	logger.Info("checked config -- mode: ", zap.String("mode", cfg.Mode))
	logger.Info("checked config -- redis: ", zap.String("addr", cfg.Redis.Addr))

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Error("redis unavailable", zap.Error(err))
		return
	}
	cancel()

	// 6. Load Data Source (optional account directory)
	var db *gorm.DB
	var directory security.AccountDirectory
	if cfg.DSN != "" {
		var err error
		db, err = bootstrap.SetupDatabase(os.Stdout, &bootstrap.Options{
			Driver:      cfg.DBDriver,
			DSN:         cfg.DSN,
			InitSQLPath: cfg.InitSQL,
			AutoMigrate: true,
			SeedNonProd: true,
			Production:  cfg.IsProduction(),
		})
		if err != nil {
			logger.Error("database setup failed", zap.Error(err))
			return
		}
		directory = identity.NewGormDirectory(db)
	}

	// 7. Core services
	verifier := identity.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	sec := security.NewManager(rdb, verifier, directory, nil, cfg.Security, lg.Named("security"))
	sessions := session.NewManager(session.NewStore(rdb, cfg.Session, lg.Named("session")), lg.Named("session"))
	aggregator := metrics.NewAggregator(rdb, cfg.Metrics, lg.Named("metrics"))
	collectors := metrics.NewCollectors(cfg.MetricsNamespace)

	model, err := llm.NewModel(cfg.LLM, lg.Named("llm"))
	if err != nil {
		logger.Error("llm setup failed", zap.Error(err))
		return
	}

	gw := gateway.New(gateway.Dependencies{
		Security:     sec,
		Sessions:     sessions,
		Model:        model,
		Audio:        cfg.Audio,
		Conversation: cfg.Conversation,
		Aggregator:   aggregator,
		Collectors:   collectors,
	}, cfg.Gateway, lg.Named("gateway"))

	// 8. Start Timed task
	cleaner, err := task.StartSessionCleaner(sessions, cfg.Session.CleanupSpec, cfg.Session.InactiveTimeout)
	if err != nil {
		return
	}

	// 9. Initialize Gin Routing
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	// 10. use middleware
	r.Use(middleware.CorsMiddleware(cfg.Security.AllowedOrigins, cfg.Security.Production))
	r.Use(middleware.LoggerMiddleware(lg.Named("http")))
	limiter, err := middleware.NewRateLimiter(cfg.RateLimit, rdb, lg.Named("ratelimit"))
	if err != nil {
		logger.Error("rate limiter setup failed", zap.Error(err))
		return
	}
	r.Use(limiter.Middleware())

	// 11. Register Routes
	handlers.NewHandlers(handlers.Options{
		Gateway:    gw,
		Sessions:   sessions,
		Security:   sec,
		Aggregator: aggregator,
		Collectors: collectors,
		Redis:      rdb,
		DB:         db,
		APIPrefix:  cfg.APIPrefix,
		Logger:     lg.Named("handler"),
	}).Register(r)

	// 12. Start HTTP Server
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("HTTP server run failed", zap.Error(err))
	}

	<-cleaner.Stop().Done()
	gw.Shutdown("server shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	logger.Info("server exited", zap.Int("activeSessions", sessions.ActiveCount()))
}
