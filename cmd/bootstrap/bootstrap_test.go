package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/code-100-precent/LingEcho-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDatabase(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "init.sql")
	require.NoError(t, os.WriteFile(script, []byte(`-- notes
CREATE TABLE IF NOT EXISTS org_notes (id INTEGER PRIMARY KEY, body TEXT);
INSERT INTO org_notes (body) VALUES ('hello')
`), 0o644))

	db, err := SetupDatabase(nil, &Options{
		Driver:      "sqlite",
		DSN:         filepath.Join(dir, "gateway.db"),
		InitSQLPath: script,
		AutoMigrate: true,
		SeedNonProd: true,
	})
	require.NoError(t, err)

	admin, err := models.GetAccountByUserID(db, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, admin.Role)
	assert.Equal(t, []string{"*"}, admin.PermissionList())

	var notes int64
	require.NoError(t, db.Table("org_notes").Count(&notes).Error)
	assert.Equal(t, int64(1), notes)

	// seeding is idempotent
	require.NoError(t, (&SeedService{db: db}).SeedAll())
	var accounts int64
	require.NoError(t, db.Model(&models.Account{}).Count(&accounts).Error)
	assert.Equal(t, int64(2), accounts)
}

func TestSetupDatabase_Production(t *testing.T) {
	db, err := SetupDatabase(nil, &Options{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "gateway.db"),
		AutoMigrate: true,
		SeedNonProd: true,
		Production:  true,
	})
	require.NoError(t, err)
	var accounts int64
	require.NoError(t, db.Model(&models.Account{}).Count(&accounts).Error)
	assert.Zero(t, accounts)

	_, err = SetupDatabase(nil, &Options{})
	assert.Error(t, err)
}
