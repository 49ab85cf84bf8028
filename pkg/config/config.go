package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/audio"
	"github.com/code-100-precent/LingEcho-gateway/pkg/conversation"
	"github.com/code-100-precent/LingEcho-gateway/pkg/gateway"
	"github.com/code-100-precent/LingEcho-gateway/pkg/llm"
	"github.com/code-100-precent/LingEcho-gateway/pkg/logger"
	"github.com/code-100-precent/LingEcho-gateway/pkg/metrics"
	"github.com/code-100-precent/LingEcho-gateway/pkg/middleware"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/code-100-precent/LingEcho-gateway/pkg/utils"
)

// RedisConfig redis 连接配置
type RedisConfig struct {
	Addr         string        `env:"REDIS_ADDR"`
	Password     string        `env:"REDIS_PASSWORD"`
	DB           int           `env:"REDIS_DB"`
	PoolSize     int           `env:"REDIS_POOL_SIZE"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT"`
}

// JWTConfig 令牌校验配置
type JWTConfig struct {
	Secret   string `env:"JWT_SECRET"`
	Issuer   string `env:"JWT_ISSUER"`
	Audience string `env:"JWT_AUDIENCE"`
}

// Config System CommonConfig
type Config struct {
	Addr             string `env:"ADDR"`
	Mode             string `env:"MODE"`
	APIPrefix        string `env:"API_PREFIX"`
	DBDriver         string `env:"DB_DRIVER"`
	DSN              string `env:"DSN"` // empty disables the account directory
	InitSQL          string `env:"INIT_SQL"`
	MetricsNamespace string `env:"METRICS_NAMESPACE"`
	ShutdownTimeout  time.Duration

	Log          logger.LogConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Security     security.Config
	Session      session.Config
	Audio        audio.Config
	Conversation conversation.Config
	LLM          llm.Config
	Gateway      gateway.Config
	Metrics      metrics.Config
	RateLimit    middleware.RateLimiterConfig
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件（不存在也不报错，使用默认值）
	env := os.Getenv("APP_ENV")
	if err := utils.LoadEnv(env); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. 加载全局配置（所有配置都有默认值）
	mode := getStringOrDefault("MODE", "development")
	GlobalConfig = &Config{
		Addr:             getStringOrDefault("ADDR", ":7072"),
		Mode:             mode,
		APIPrefix:        getStringOrDefault("API_PREFIX", "/api"),
		DBDriver:         getStringOrDefault("DB_DRIVER", "sqlite"),
		DSN:              utils.GetEnv("DSN"),
		InitSQL:          utils.GetEnv("INIT_SQL"),
		MetricsNamespace: getStringOrDefault("METRICS_NAMESPACE", "voice_gateway"),
		ShutdownTimeout:  utils.GetDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second),
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/gateway.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		Redis: RedisConfig{
			Addr:         getStringOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     utils.GetEnv("REDIS_PASSWORD"),
			DB:           int(utils.GetIntEnv("REDIS_DB")),
			PoolSize:     getIntOrDefault("REDIS_POOL_SIZE", 20),
			MinIdleConns: getIntOrDefault("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  utils.GetDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  utils.GetDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: utils.GetDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		JWT: JWTConfig{
			Secret:   getStringOrDefault("JWT_SECRET", generateDefaultSecret()),
			Issuer:   utils.GetEnv("JWT_ISSUER"),
			Audience: utils.GetEnv("JWT_AUDIENCE"),
		},
		Security:     loadSecurityConfig(mode),
		Session:      loadSessionConfig(),
		Audio:        loadAudioConfig(),
		Conversation: loadConversationConfig(),
		LLM:          loadLLMConfig(),
		Gateway:      loadGatewayConfig(),
		Metrics: metrics.Config{
			Retention:    utils.GetDurationEnv("METRICS_RETENTION", 30*24*time.Hour),
			LatencyCap:   getIntOrDefault("METRICS_LATENCY_CAP", 1000),
			MaxRangeDays: getIntOrDefault("METRICS_MAX_RANGE_DAYS", 31),
			Concurrency:  getIntOrDefault("METRICS_RANGE_CONCURRENCY", 8),
		},
		RateLimit: loadRateLimitConfig(),
	}
	return nil
}

// IsProduction 生产模式
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Mode, "production")
}

func loadSecurityConfig(mode string) security.Config {
	d := security.DefaultConfig()
	quotas := security.DefaultQuotas()
	window := utils.GetDurationEnv("SECURITY_QUOTA_WINDOW", time.Minute)
	for tier, key := range map[security.Tier]string{
		security.TierFree:       "SECURITY_QUOTA_FREE",
		security.TierPro:        "SECURITY_QUOTA_PRO",
		security.TierEnterprise: "SECURITY_QUOTA_ENTERPRISE",
	} {
		quotas[tier] = security.Quota{Requests: getIntOrDefault(key, quotas[tier].Requests), Window: window}
	}

	return security.Config{
		Quotas:             quotas,
		MaxUserConnections: getIntOrDefault("SECURITY_MAX_USER_CONNECTIONS", d.MaxUserConnections),
		MaxOrgConnections:  getIntOrDefault("SECURITY_MAX_ORG_CONNECTIONS", d.MaxOrgConnections),
		ConnectionTTL:      utils.GetDurationEnv("SECURITY_CONNECTION_TTL", d.ConnectionTTL),
		AllowedOrigins:     utils.GetListEnv("SECURITY_ALLOWED_ORIGINS"),
		Production:         getBoolOrDefault("SECURITY_PRODUCTION", strings.EqualFold(mode, "production")),
		IdentityCacheSize:  getIntOrDefault("SECURITY_IDENTITY_CACHE_SIZE", d.IdentityCacheSize),
		IdentityCacheTTL:   utils.GetDurationEnv("SECURITY_IDENTITY_CACHE_TTL", d.IdentityCacheTTL),
		MembershipCacheTTL: utils.GetDurationEnv("SECURITY_MEMBERSHIP_CACHE_TTL", d.MembershipCacheTTL),
		AuditMaxEntries:    int64(getIntOrDefault("SECURITY_AUDIT_MAX_ENTRIES", int(d.AuditMaxEntries))),
		AuditTTL:           utils.GetDurationEnv("SECURITY_AUDIT_TTL", d.AuditTTL),
		SuspiciousAfter:    int64(getIntOrDefault("SECURITY_SUSPICIOUS_AFTER", int(d.SuspiciousAfter))),
	}
}

func loadSessionConfig() session.Config {
	d := session.DefaultConfig()
	return session.Config{
		TTL:             utils.GetDurationEnv("SESSION_TTL", d.TTL),
		MaxHistory:      getIntOrDefault("SESSION_MAX_HISTORY", d.MaxHistory),
		MaxEntities:     getIntOrDefault("SESSION_MAX_ENTITIES", d.MaxEntities),
		InactiveTimeout: utils.GetDurationEnv("SESSION_INACTIVE_TIMEOUT", d.InactiveTimeout),
		CleanupSpec:     getStringOrDefault("SESSION_CLEANUP_SPEC", d.CleanupSpec),
	}
}

func loadAudioConfig() audio.Config {
	d := audio.DefaultConfig()
	return audio.Config{
		TargetSampleRate:     getIntOrDefault("AUDIO_TARGET_SAMPLE_RATE", d.TargetSampleRate),
		EnableConversion:     getBoolOrDefault("AUDIO_ENABLE_CONVERSION", d.EnableConversion),
		EnableResampling:     getBoolOrDefault("AUDIO_ENABLE_RESAMPLING", d.EnableResampling),
		EnableMonoMix:        getBoolOrDefault("AUDIO_ENABLE_MONO_MIX", d.EnableMonoMix),
		EnableNormalization:  getBoolOrDefault("AUDIO_ENABLE_NORMALIZATION", d.EnableNormalization),
		EnableNoiseReduction: getBoolOrDefault("AUDIO_ENABLE_NOISE_REDUCTION", d.EnableNoiseReduction),
		EnableVAD:            getBoolOrDefault("AUDIO_ENABLE_VAD", d.EnableVAD),
		VADThreshold:         getFloatOrDefault("AUDIO_VAD_THRESHOLD", d.VADThreshold),
		VADEnergyFloor:       getFloatOrDefault("AUDIO_VAD_ENERGY_FLOOR", d.VADEnergyFloor),
		NoiseAttenuation:     getFloatOrDefault("AUDIO_NOISE_ATTENUATION", d.NoiseAttenuation),
		ChunkDurationMs:      getIntOrDefault("AUDIO_CHUNK_DURATION_MS", d.ChunkDurationMs),
	}
}

func loadConversationConfig() conversation.Config {
	d := conversation.DefaultConfig()
	return conversation.Config{
		SystemPrompt:      getStringOrDefault("CONVERSATION_SYSTEM_PROMPT", d.SystemPrompt),
		MaxHistory:        getIntOrDefault("CONVERSATION_MAX_HISTORY", d.MaxHistory),
		PartialEvery:      getIntOrDefault("CONVERSATION_PARTIAL_EVERY", d.PartialEvery),
		MaxTurnDuration:   utils.GetDurationEnv("CONVERSATION_MAX_TURN_DURATION", d.MaxTurnDuration),
		IdleTimeout:       utils.GetDurationEnv("CONVERSATION_IDLE_TIMEOUT", d.IdleTimeout),
		ExperienceLevel:   getStringOrDefault("CONVERSATION_EXPERIENCE_LEVEL", d.ExperienceLevel),
		EncouragementRate: getFloatOrDefault("CONVERSATION_ENCOURAGEMENT_RATE", d.EncouragementRate),
		EventBuffer:       getIntOrDefault("CONVERSATION_EVENT_BUFFER", d.EventBuffer),
	}
}

func loadLLMConfig() llm.Config {
	d := llm.DefaultConfig()
	return llm.Config{
		Provider:           getStringOrDefault("LLM_PROVIDER", d.Provider),
		APIKey:             utils.GetEnv("LLM_API_KEY"),
		BaseURL:            utils.GetEnv("LLM_BASE_URL"),
		Model:              getStringOrDefault("LLM_MODEL", d.Model),
		TranscriptionModel: getStringOrDefault("LLM_TRANSCRIPTION_MODEL", d.TranscriptionModel),
		Temperature:        getFloatOrDefault("LLM_TEMPERATURE", d.Temperature),
		MaxTokens:          getIntOrDefault("LLM_MAX_TOKENS", d.MaxTokens),
		Timeout:            utils.GetDurationEnv("LLM_TIMEOUT", d.Timeout),
	}
}

func loadGatewayConfig() gateway.Config {
	d := gateway.DefaultConfig()
	cfg := gateway.Config{
		HeartbeatInterval: utils.GetDurationEnv("GATEWAY_HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		HandshakeTimeout:  utils.GetDurationEnv("GATEWAY_HANDSHAKE_TIMEOUT", d.HandshakeTimeout),
		WriteTimeout:      utils.GetDurationEnv("GATEWAY_WRITE_TIMEOUT", d.WriteTimeout),
		TurnTimeout:       utils.GetDurationEnv("GATEWAY_TURN_TIMEOUT", d.TurnTimeout),
		ReadLimit:         utils.GetIntEnv("GATEWAY_READ_LIMIT"),
		ReadBufferSize:    getIntOrDefault("GATEWAY_READ_BUFFER_SIZE", d.ReadBufferSize),
		WriteBufferSize:   getIntOrDefault("GATEWAY_WRITE_BUFFER_SIZE", d.WriteBufferSize),
		SpectrumSize:      getIntOrDefault("GATEWAY_SPECTRUM_SIZE", d.SpectrumSize),
		DefaultLanguage:   getStringOrDefault("GATEWAY_DEFAULT_LANGUAGE", d.DefaultLanguage),
		DefaultFeatures:   d.DefaultFeatures,
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = d.ReadLimit
	}
	return cfg
}

func loadRateLimitConfig() middleware.RateLimiterConfig {
	d := middleware.DefaultRateLimiterConfig()
	cfg := middleware.RateLimiterConfig{
		Rate:          getStringOrDefault("RATE_LIMIT", d.Rate),
		Identifier:    getStringOrDefault("RATE_LIMIT_IDENTIFIER", d.Identifier),
		AddHeaders:    getBoolOrDefault("RATE_LIMIT_HEADERS", d.AddHeaders),
		DenyStatus:    d.DenyStatus,
		DenyMessage:   d.DenyMessage,
		PerRouteRates: map[string]string{},
		SkipPaths:     d.SkipPaths,
		SkipInternal:  getBoolOrDefault("RATE_LIMIT_SKIP_INTERNAL", false),
	}
	// 形如 /api/metrics=120-M,/api/sessions=300-M
	for _, item := range utils.GetListEnv("RATE_LIMIT_ROUTES") {
		prefix, rate, ok := strings.Cut(item, "=")
		if ok && prefix != "" && rate != "" {
			cfg.PerRouteRates[strings.TrimSpace(prefix)] = strings.TrimSpace(rate)
		}
	}
	if skip := utils.GetListEnv("RATE_LIMIT_SKIP_PATHS"); len(skip) > 0 {
		cfg.SkipPaths = skip
	}
	return cfg
}

// getStringOrDefault 获取环境变量值，如果为空则返回默认值
func getStringOrDefault(key, defaultValue string) string {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault 获取布尔环境变量值，如果为空则返回默认值
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return utils.GetBoolEnv(key)
}

// getIntOrDefault 获取整数环境变量值，如果为空则返回默认值
func getIntOrDefault(key string, defaultValue int) int {
	value := utils.GetIntEnv(key)
	if value == 0 {
		return defaultValue
	}
	return int(value)
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	value := utils.GetFloatEnv(key)
	if value == 0 {
		return defaultValue
	}
	return value
}

// generateDefaultSecret 生成默认的令牌密钥（仅用于开发环境）
func generateDefaultSecret() string {
	return "default-secret-key-change-in-production-" + utils.RandText(16)
}
