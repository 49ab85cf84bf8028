package security

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubVerifier struct {
	calls atomic.Int32
	ids   map[string]Identity
}

func (s *stubVerifier) Verify(_ context.Context, token string) (Identity, error) {
	s.calls.Add(1)
	id, ok := s.ids[token]
	if !ok {
		return Identity{}, errors.New("signature is invalid")
	}
	return id, nil
}

type stubDirectory map[string]Account

func (d stubDirectory) Lookup(_ context.Context, userID string) (Account, error) {
	acct, ok := d[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func newTestManager(t *testing.T, cfg Config, verifier TokenVerifier, dir AccountDirectory) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, verifier, dir, nil, cfg, zap.NewNop()), mr
}

func TestAuthenticate(t *testing.T) {
	verifier := &stubVerifier{ids: map[string]Identity{
		"good":     {UserID: "u1", OrganizationID: "org-token"},
		"inactive": {UserID: "u2"},
		"orphan":   {UserID: "u3"},
	}}
	dir := stubDirectory{
		"u1": {UserID: "u1", Role: "admin", OrganizationID: "org-1", Tier: TierPro, Active: true},
		"u2": {UserID: "u2", Active: false},
	}
	m, _ := newTestManager(t, Config{}, verifier, dir)
	ctx := context.Background()

	id, err := m.Authenticate(ctx, "good", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "admin", id.Role)
	assert.Equal(t, "org-1", id.OrganizationID)
	assert.Equal(t, TierPro, id.Tier)

	// served from the identity cache
	_, err = m.Authenticate(ctx, "good", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int32(1), verifier.calls.Load())

	m.InvalidateIdentity("good")
	_, err = m.Authenticate(ctx, "good", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int32(2), verifier.calls.Load())

	_, err = m.Authenticate(ctx, "", "1.2.3.4")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = m.Authenticate(ctx, "forged", "1.2.3.4")
	assert.ErrorIs(t, err, ErrAuthFailed)
	_, err = m.Authenticate(ctx, "inactive", "1.2.3.4")
	assert.ErrorIs(t, err, ErrAccountInactive)
	_, err = m.Authenticate(ctx, "orphan", "1.2.3.4")
	assert.ErrorIs(t, err, ErrAuthFailed)

	events, err := m.AuditLog(ctx, "1.2.3.4", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, AuditAuthFailure, events[0].Type)
}

func TestAuthenticate_CachedIdentityExpiresWithToken(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	verifier := &stubVerifier{ids: map[string]Identity{
		"short": {UserID: "u1", ExpiresAt: now.Add(time.Minute)},
		"open":  {UserID: "u2"},
	}}
	m, _ := newTestManager(t, Config{IdentityCacheTTL: time.Hour}, verifier, nil)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.Authenticate(ctx, "short", "1.2.3.4")
	require.NoError(t, err)
	_, err = m.Authenticate(ctx, "short", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int32(1), verifier.calls.Load())

	// past exp the cache no longer answers; the verifier decides again
	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	delete(verifier.ids, "short")
	_, err = m.Authenticate(ctx, "short", "1.2.3.4")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(2), verifier.calls.Load())

	// identities without an expiry stay cached for the configured TTL
	_, err = m.Authenticate(ctx, "open", "1.2.3.4")
	require.NoError(t, err)
	_, err = m.Authenticate(ctx, "open", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int32(3), verifier.calls.Load())
}

func TestAuthenticate_DefaultsTierWithoutDirectory(t *testing.T) {
	verifier := &stubVerifier{ids: map[string]Identity{"t": {UserID: "u1"}}}
	m, _ := newTestManager(t, Config{}, verifier, nil)

	id, err := m.Authenticate(context.Background(), "t", "")
	require.NoError(t, err)
	assert.Equal(t, TierFree, id.Tier)
}

func TestSuspiciousAfterRepeatedFailures(t *testing.T) {
	m, _ := newTestManager(t, Config{SuspiciousAfter: 3}, &stubVerifier{}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = m.Authenticate(ctx, "bad", "9.9.9.9")
	}
	assert.False(t, m.IsSuspicious(ctx, "9.9.9.9"))
	_, _ = m.Authenticate(ctx, "bad", "9.9.9.9")
	assert.True(t, m.IsSuspicious(ctx, "9.9.9.9"))
	assert.False(t, m.IsSuspicious(ctx, "8.8.8.8"))

	events, err := m.AuditLog(ctx, "9.9.9.9", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AuditSuspicious, events[0].Type)
}

func TestAuditLogIsCappedAndExpires(t *testing.T) {
	m, mr := newTestManager(t, Config{AuditMaxEntries: 3, AuditTTL: time.Hour}, &stubVerifier{}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.Audit(ctx, AuditEvent{Type: AuditAccessDenied, Identity: "u1", Detail: fmt.Sprint(i)})
	}
	events, err := m.AuditLog(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "4", events[0].Detail)
	assert.NotEmpty(t, events[0].ID)

	mr.FastForward(2 * time.Hour)
	events, err = m.AuditLog(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckRateLimit(t *testing.T) {
	cfg := Config{Quotas: map[Tier]Quota{TierFree: {Requests: 3, Window: time.Minute}}}
	m, _ := newTestManager(t, cfg, &stubVerifier{}, nil)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		res, err := m.CheckRateLimit(ctx, "u1", TierFree)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, res.Remaining)
		now = now.Add(time.Second)
	}

	res, err := m.CheckRateLimit(ctx, "u1", TierFree)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 3, res.Limit)
	// the oldest marker leaves the window one minute after it was recorded
	assert.True(t, res.ResetAt.Equal(time.Date(2026, 5, 1, 9, 1, 0, 0, time.UTC)), res.ResetAt)

	// other identities are independent
	res, err = m.CheckRateLimit(ctx, "u2", TierFree)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	now = now.Add(time.Minute)
	res, err = m.CheckRateLimit(ctx, "u1", TierFree)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	events, err := m.AuditLog(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AuditRateLimited, events[0].Type)
}

func TestCheckRateLimit_UnknownTierUsesFree(t *testing.T) {
	m, _ := newTestManager(t, Config{}, &stubVerifier{}, nil)
	res, err := m.CheckRateLimit(context.Background(), "u1", Tier("platinum"))
	require.NoError(t, err)
	assert.Equal(t, 60, res.Limit)
}

func TestCheckRateLimit_StoreDown(t *testing.T) {
	// a mock with no expectations fails every command
	db, _ := redismock.NewClientMock()
	m := NewManager(db, &stubVerifier{}, nil, nil, Config{}, zap.NewNop())

	_, err := m.CheckRateLimit(context.Background(), "u1", TierFree)
	assert.Error(t, err)
	assert.Error(t, m.AcquireConnection(context.Background(), "u1", "org-1"))
}

func TestConnectionLimits(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxUserConnections: 2, MaxOrgConnections: 3}, &stubVerifier{}, nil)
	ctx := context.Background()

	require.NoError(t, m.AcquireConnection(ctx, "u1", "org-1"))
	require.NoError(t, m.AcquireConnection(ctx, "u1", "org-1"))

	err := m.AcquireConnection(ctx, "u1", "org-1")
	require.ErrorIs(t, err, ErrConnectionLimitExceeded)
	var limitErr *ConnectionLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "user", limitErr.Scope)

	status, err := m.CheckConnectionLimit(ctx, "u1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.UserCount)
	assert.Equal(t, 2, status.OrgCount)
	assert.False(t, status.Allowed)

	require.NoError(t, m.AcquireConnection(ctx, "u2", "org-1"))
	err = m.AcquireConnection(ctx, "u3", "org-1")
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "organization", limitErr.Scope)

	// a rejected acquire reserves nothing
	status, err = m.CheckConnectionLimit(ctx, "u3", "org-1")
	require.NoError(t, err)
	assert.Zero(t, status.UserCount)
	assert.Equal(t, 3, status.OrgCount)

	require.NoError(t, m.ReleaseConnection(ctx, "u1", "org-1"))
	require.NoError(t, m.AcquireConnection(ctx, "u3", "org-1"))

	status, err = m.CheckConnectionLimit(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, status.UserCount)
	assert.True(t, status.Allowed)
}

func TestConnectionLimit_KthSessionRejected(t *testing.T) {
	const k = 4
	m, _ := newTestManager(t, Config{MaxUserConnections: k - 1}, &stubVerifier{}, nil)
	ctx := context.Background()

	for i := 0; i < k-1; i++ {
		require.NoError(t, m.AcquireConnection(ctx, "u1", ""))
	}
	assert.ErrorIs(t, m.AcquireConnection(ctx, "u1", ""), ErrConnectionLimitExceeded)

	// releasing below zero never goes negative
	for i := 0; i < k+2; i++ {
		require.NoError(t, m.ReleaseConnection(ctx, "u1", ""))
	}
	status, err := m.CheckConnectionLimit(ctx, "u1", "")
	require.NoError(t, err)
	assert.Zero(t, status.UserCount)
}

func TestOrganizationAndProjectAccess(t *testing.T) {
	m, mr := newTestManager(t, Config{}, &stubVerifier{}, nil)
	ctx := context.Background()
	alice := Identity{UserID: "alice", OrganizationID: "org-a"}
	bob := Identity{UserID: "bob", OrganizationID: "org-b"}

	assert.NoError(t, m.VerifyOrganizationAccess(ctx, alice, "org-a"))
	assert.NoError(t, m.VerifyOrganizationAccess(ctx, alice, ""))
	assert.ErrorIs(t, m.VerifyOrganizationAccess(ctx, bob, "org-a"), ErrAccessDenied)

	require.NoError(t, m.GrantOrganization(ctx, "org-a", "bob"))
	assert.NoError(t, m.VerifyOrganizationAccess(ctx, bob, "org-a"))

	require.NoError(t, m.SetProjectOrganization(ctx, "p1", "org-a"))
	assert.NoError(t, m.VerifyProjectAccess(ctx, alice, "p1"))
	assert.NoError(t, m.VerifyProjectAccess(ctx, bob, "p1"), "bob is a member of the owning org")

	carol := Identity{UserID: "carol", OrganizationID: "org-c"}
	assert.ErrorIs(t, m.VerifyProjectAccess(ctx, carol, "p1"), ErrAccessDenied)
	require.NoError(t, m.GrantProject(ctx, "p1", "carol"))
	assert.NoError(t, m.VerifyProjectAccess(ctx, carol, "p1"))
	assert.ErrorIs(t, m.VerifyProjectAccess(ctx, carol, "unknown"), ErrAccessDenied)

	// verdicts are cached, store errors are not
	mr.SetError("LOADING")
	assert.NoError(t, m.VerifyOrganizationAccess(ctx, bob, "org-a"))
	err := m.VerifyOrganizationAccess(ctx, carol, "org-a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccessDenied)
	mr.SetError("")
}

func TestValidateOrigin(t *testing.T) {
	allow := []string{"https://app.example.com", "*.lingecho.dev", "http://localhost:3000/"}
	tests := []struct {
		origin     string
		production bool
		want       bool
	}{
		{"https://app.example.com", true, true},
		{"https://APP.example.com", true, true},
		{"https://evil.example.com", true, false},
		{"https://studio.lingecho.dev", true, true},
		{"http://a.b.lingecho.dev", true, true},
		{"https://lingecho.dev", true, false},
		{"https://notlingecho.dev", true, false},
		{"http://localhost:3000", false, true},
		{"https://localhost:3000", false, false},
		{"", false, true},
		{"", true, false},
		{"::not a url", false, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q/prod=%v", tt.origin, tt.production), func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateOrigin(tt.origin, allow, tt.production))
		})
	}

	assert.True(t, ValidateOrigin("https://anything.io", []string{"*"}, true))
	assert.False(t, ValidateOrigin("https://anything.io", nil, false))
}
