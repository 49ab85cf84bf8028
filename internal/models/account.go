package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Account is the directory record consulted after a token is verified
type Account struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"-" gorm:"autoUpdateTime"`
	DeletedAt *time.Time `json:"-" gorm:"index"`

	UserID         string `json:"userId" gorm:"size:64;uniqueIndex"`
	Email          string `json:"email" gorm:"size:128;index"`
	DisplayName    string `json:"displayName,omitempty" gorm:"size:128"`
	OrganizationID string `json:"organizationId" gorm:"size:64;index"`
	Role           string `json:"role" gorm:"size:50;default:'member'"`
	Tier           string `json:"tier" gorm:"size:20;default:'free'"`
	Permissions    string `json:"permissions,omitempty" gorm:"type:text"` // JSON array
	Enabled        bool   `json:"enabled"`
	Activated      bool   `json:"activated"`

	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	LastLoginIP string     `json:"-" gorm:"size:128"`
}

// IsActive 账号可用：已启用且已激活
func (a *Account) IsActive() bool {
	return a.Enabled && a.Activated && a.DeletedAt == nil
}

// PermissionList decodes Permissions; a comma separated list is also accepted
func (a *Account) PermissionList() []string {
	raw := strings.TrimSpace(a.Permissions)
	if raw == "" {
		return nil
	}
	var perms []string
	if err := json.Unmarshal([]byte(raw), &perms); err == nil {
		return perms
	}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	return perms
}

// SetPermissions 编码权限列表
func (a *Account) SetPermissions(perms []string) {
	if len(perms) == 0 {
		a.Permissions = ""
		return
	}
	data, _ := json.Marshal(perms)
	a.Permissions = string(data)
}

// GetAccountByUserID 根据用户ID获取账号
func GetAccountByUserID(db *gorm.DB, userID string) (*Account, error) {
	var account Account
	result := db.Where("user_id = ? AND deleted_at IS NULL", userID).Take(&account)
	if result.Error != nil {
		return nil, result.Error
	}
	return &account, nil
}

// CreateAccount 创建账号
func CreateAccount(db *gorm.DB, account *Account) error {
	if account.UserID == "" {
		return errors.New("user id is required")
	}
	return db.Create(account).Error
}

// SetAccountEnabled 启用或禁用账号
func SetAccountEnabled(db *gorm.DB, userID string, enabled bool) error {
	return db.Model(&Account{}).Where("user_id = ?", userID).Update("enabled", enabled).Error
}

// UpdateLastLogin 记录最近登录
func UpdateLastLogin(db *gorm.DB, userID, ip string) error {
	now := time.Now()
	return db.Model(&Account{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
		"last_login":    &now,
		"last_login_ip": ip,
	}).Error
}

// Migrate 自动迁移
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{})
}
