package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carried in gateway access tokens
type Claims struct {
	Email          string   `json:"email,omitempty"`
	Role           string   `json:"role,omitempty"`
	OrganizationID string   `json:"org,omitempty"`
	Permissions    []string `json:"perms,omitempty"`
	Tier           string   `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens issued by the identity provider
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTVerifier issuer and audience are checked only when non-empty
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, audience: audience, leeway: 30 * time.Second}
}

// Verify implements security.TokenVerifier
func (v *JWTVerifier) Verify(_ context.Context, token string) (security.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return security.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return security.Identity{}, errors.New("token has no subject")
	}

	id := security.Identity{
		UserID:         claims.Subject,
		Email:          claims.Email,
		Role:           claims.Role,
		OrganizationID: claims.OrganizationID,
		Permissions:    claims.Permissions,
		Tier:           security.Tier(claims.Tier),
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// IssueToken signs a token for id; used by tooling and tests
func (v *JWTVerifier) IssueToken(id security.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:          id.Email,
		Role:           id.Role,
		OrganizationID: id.OrganizationID,
		Permissions:    id.Permissions,
		Tier:           string(id.Tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
