package security

import "time"

// Tier subscription level
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Quota is a request budget over a sliding window
type Quota struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Config 安全管理配置
type Config struct {
	Quotas             map[Tier]Quota
	MaxUserConnections int           `env:"SECURITY_MAX_USER_CONNECTIONS"`
	MaxOrgConnections  int           `env:"SECURITY_MAX_ORG_CONNECTIONS"`
	ConnectionTTL      time.Duration `env:"SECURITY_CONNECTION_TTL"`
	AllowedOrigins     []string      `env:"SECURITY_ALLOWED_ORIGINS"`
	Production         bool          `env:"SECURITY_PRODUCTION"`
	IdentityCacheSize  int           `env:"SECURITY_IDENTITY_CACHE_SIZE"`
	IdentityCacheTTL   time.Duration `env:"SECURITY_IDENTITY_CACHE_TTL"`
	MembershipCacheTTL time.Duration `env:"SECURITY_MEMBERSHIP_CACHE_TTL"`
	AuditMaxEntries    int64         `env:"SECURITY_AUDIT_MAX_ENTRIES"`
	AuditTTL           time.Duration `env:"SECURITY_AUDIT_TTL"`
	SuspiciousAfter    int64         `env:"SECURITY_SUSPICIOUS_AFTER"`
}

// DefaultQuotas per tier, one minute windows
func DefaultQuotas() map[Tier]Quota {
	return map[Tier]Quota{
		TierFree:       {Requests: 60, Window: time.Minute},
		TierPro:        {Requests: 300, Window: time.Minute},
		TierEnterprise: {Requests: 1000, Window: time.Minute},
	}
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Quotas:             DefaultQuotas(),
		MaxUserConnections: 5,
		MaxOrgConnections:  50,
		ConnectionTTL:      24 * time.Hour,
		IdentityCacheSize:  1000,
		IdentityCacheTTL:   5 * time.Minute,
		MembershipCacheTTL: time.Minute,
		AuditMaxEntries:    100,
		AuditTTL:           24 * time.Hour,
		SuspiciousAfter:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Quotas) == 0 {
		c.Quotas = d.Quotas
	}
	if c.MaxUserConnections <= 0 {
		c.MaxUserConnections = d.MaxUserConnections
	}
	if c.MaxOrgConnections <= 0 {
		c.MaxOrgConnections = d.MaxOrgConnections
	}
	if c.ConnectionTTL <= 0 {
		c.ConnectionTTL = d.ConnectionTTL
	}
	if c.IdentityCacheSize <= 0 {
		c.IdentityCacheSize = d.IdentityCacheSize
	}
	if c.IdentityCacheTTL <= 0 {
		c.IdentityCacheTTL = d.IdentityCacheTTL
	}
	if c.MembershipCacheTTL <= 0 {
		c.MembershipCacheTTL = d.MembershipCacheTTL
	}
	if c.AuditMaxEntries <= 0 {
		c.AuditMaxEntries = d.AuditMaxEntries
	}
	if c.AuditTTL <= 0 {
		c.AuditTTL = d.AuditTTL
	}
	if c.SuspiciousAfter <= 0 {
		c.SuspiciousAfter = d.SuspiciousAfter
	}
	return c
}

// QuotaFor falls back to the free tier for unknown tiers
func (c Config) QuotaFor(tier Tier) Quota {
	if q, ok := c.Quotas[tier]; ok {
		return q
	}
	if q, ok := c.Quotas[TierFree]; ok {
		return q
	}
	return DefaultQuotas()[TierFree]
}
