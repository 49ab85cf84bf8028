package bootstrap

import (
	"github.com/code-100-precent/LingEcho-gateway/internal/models"
	"gorm.io/gorm"
)

type SeedService struct {
	db *gorm.DB
}

func (s *SeedService) SeedAll() error {
	return s.seedAccounts()
}

// seedAccounts 开发环境默认账号，已存在则跳过
func (s *SeedService) seedAccounts() error {
	defaults := []models.Account{
		{
			UserID:         "admin",
			Email:          "admin@lingecho.com",
			DisplayName:    "Administrator",
			OrganizationID: "default",
			Role:           models.RoleAdmin,
			Tier:           "enterprise",
			Enabled:        true,
			Activated:      true,
		},
		{
			UserID:         "demo",
			Email:          "demo@lingecho.com",
			DisplayName:    "Demo User",
			OrganizationID: "default",
			Role:           models.RoleMember,
			Tier:           "free",
			Enabled:        true,
			Activated:      true,
		},
	}
	defaults[0].SetPermissions([]string{"*"})

	for _, account := range defaults {
		var count int64
		if err := s.db.Model(&models.Account{}).Where("user_id = ?", account.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			if err := models.CreateAccount(s.db, &account); err != nil {
				return err
			}
		}
	}
	return nil
}
