package identity

import (
	"context"
	"testing"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/internal/models"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("secret", "lingecho", "voice")
	ctx := context.Background()

	token, err := v.IssueToken(security.Identity{
		UserID: "u1", Email: "u1@example.com", Role: "member", OrganizationID: "org-1",
		Tier: security.TierPro, Permissions: []string{"voice:use"},
	}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "org-1", id.OrganizationID)
	assert.Equal(t, security.TierPro, id.Tier)
	assert.True(t, id.HasPermission("voice:use"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)

	tests := []struct {
		name  string
		token func() string
	}{
		{"garbage", func() string { return "not.a.token" }},
		{"wrong secret", func() string {
			tok, _ := NewJWTVerifier("other", "lingecho", "voice").IssueToken(security.Identity{UserID: "u1"}, time.Hour)
			return tok
		}},
		{"wrong audience", func() string {
			tok, _ := NewJWTVerifier("secret", "lingecho", "admin").IssueToken(security.Identity{UserID: "u1"}, time.Hour)
			return tok
		}},
		{"expired", func() string {
			tok, _ := v.IssueToken(security.Identity{UserID: "u1"}, -time.Hour)
			return tok
		}},
		{"no subject", func() string {
			tok, _ := v.IssueToken(security.Identity{}, time.Hour)
			return tok
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.token())
			assert.Error(t, err)
		})
	}
}

func TestGormDirectory(t *testing.T) {
	db := models.SetupTestDB(t, &models.Account{})
	require.NoError(t, models.CreateAccount(db, &models.Account{
		UserID: "u1", Email: "u1@example.com", OrganizationID: "org-1", Role: models.RoleAdmin,
		Tier: "enterprise", Enabled: true, Activated: true,
	}))
	require.NoError(t, models.CreateAccount(db, &models.Account{UserID: "u2", Enabled: false, Activated: true}))

	dir := NewGormDirectory(db)
	ctx := context.Background()

	acct, err := dir.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Active)
	assert.Equal(t, security.TierEnterprise, acct.Tier)
	assert.Equal(t, models.RoleAdmin, acct.Role)

	acct, err = dir.Lookup(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, acct.Active)

	_, err = dir.Lookup(ctx, "nobody")
	assert.ErrorIs(t, err, security.ErrAccountNotFound)
}
