package identity

import (
	"context"
	"errors"

	"github.com/code-100-precent/LingEcho-gateway/internal/models"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"gorm.io/gorm"
)

// GormDirectory resolves accounts from the relational account table
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory 创建账号目录
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

// Lookup implements security.AccountDirectory
func (d *GormDirectory) Lookup(ctx context.Context, userID string) (security.Account, error) {
	acct, err := models.GetAccountByUserID(d.db.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return security.Account{}, security.ErrAccountNotFound
	}
	if err != nil {
		return security.Account{}, err
	}
	return security.Account{
		UserID:         acct.UserID,
		Email:          acct.Email,
		Role:           acct.Role,
		OrganizationID: acct.OrganizationID,
		Tier:           security.Tier(acct.Tier),
		Permissions:    acct.PermissionList(),
		Active:         acct.IsActive(),
	}, nil
}
