package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/cache"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrMissingToken            = errors.New("missing authentication token")
	ErrAuthFailed              = errors.New("authentication failed")
	ErrAccountInactive         = errors.New("account is inactive")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccessDenied            = errors.New("access denied")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrConnectionLimitExceeded = errors.New("connection limit exceeded")
)

// Identity is the authenticated principal behind a connection
type Identity struct {
	UserID         string   `json:"userId"`
	Email          string   `json:"email"`
	Role           string   `json:"role"`
	OrganizationID string   `json:"organizationId"`
	Permissions    []string `json:"permissions"`
	Tier           Tier     `json:"tier"`
	// ExpiresAt is when the credential stops being valid; zero means the
	// verifier did not say
	ExpiresAt time.Time `json:"-"`
}

// HasPermission 检查权限
func (i Identity) HasPermission(p string) bool {
	for _, have := range i.Permissions {
		if have == p || have == "*" {
			return true
		}
	}
	return false
}

// TokenVerifier checks a bearer token with the identity provider
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Account is the directory view of a user
type Account struct {
	UserID         string
	Email          string
	Role           string
	OrganizationID string
	Tier           Tier
	Permissions    []string
	Active         bool
}

// AccountDirectory resolves role and tenant claims for a verified user
type AccountDirectory interface {
	Lookup(ctx context.Context, userID string) (Account, error)
}

// Manager enforces authentication, tenancy, quotas and origin policy.
// Shared counters live in redis; the identity cache is owned per instance.
type Manager struct {
	client     redis.UniversalClient
	verifier   TokenVerifier
	directory  AccountDirectory
	identities *expirable.LRU[string, Identity]
	verdicts   cache.Cache
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewManager 创建安全管理器. directory and verdicts may be nil.
func NewManager(client redis.UniversalClient, verifier TokenVerifier, directory AccountDirectory, verdicts cache.Cache, cfg Config, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.L()
	}
	if verdicts == nil {
		verdicts = cache.NewLocalCache(cache.LocalConfig{MaxSize: 10000, DefaultExpiration: cfg.MembershipCacheTTL})
	}
	return &Manager{
		client:     client,
		verifier:   verifier,
		directory:  directory,
		identities: expirable.NewLRU[string, Identity](cfg.IdentityCacheSize, nil, cfg.IdentityCacheTTL),
		verdicts:   verdicts,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// Authenticate verifies the token and resolves account claims. Failures are
// audited under the caller's address.
func (m *Manager) Authenticate(ctx context.Context, token, remoteIP string) (Identity, error) {
	if token == "" {
		m.RecordAuthFailure(ctx, remoteIP, "missing token")
		return Identity{}, ErrMissingToken
	}

	key := tokenKey(token)
	if id, ok := m.identities.Get(key); ok {
		if id.ExpiresAt.IsZero() || m.now().Before(id.ExpiresAt) {
			return id, nil
		}
		// token expired while cached, let the verifier reject it
		m.identities.Remove(key)
	}

	id, err := m.verifier.Verify(ctx, token)
	if err != nil {
		m.RecordAuthFailure(ctx, remoteIP, err.Error())
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if m.directory != nil {
		acct, err := m.directory.Lookup(ctx, id.UserID)
		if err != nil {
			m.RecordAuthFailure(ctx, remoteIP, err.Error())
			if errors.Is(err, ErrAccountNotFound) {
				return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			return Identity{}, err
		}
		if !acct.Active {
			m.RecordAuthFailure(ctx, remoteIP, "inactive account "+id.UserID)
			return Identity{}, ErrAccountInactive
		}
		id = mergeAccount(id, acct)
	}
	if id.Tier == "" {
		id.Tier = TierFree
	}

	m.identities.Add(key, id)
	return id, nil
}

// InvalidateIdentity drops a cached token, e.g. after logout
func (m *Manager) InvalidateIdentity(token string) {
	m.identities.Remove(tokenKey(token))
}

func mergeAccount(id Identity, acct Account) Identity {
	if acct.Email != "" {
		id.Email = acct.Email
	}
	if acct.Role != "" {
		id.Role = acct.Role
	}
	if acct.OrganizationID != "" {
		id.OrganizationID = acct.OrganizationID
	}
	if acct.Tier != "" {
		id.Tier = acct.Tier
	}
	if len(acct.Permissions) > 0 {
		id.Permissions = acct.Permissions
	}
	return id
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
