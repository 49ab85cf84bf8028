package bootstrap

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/code-100-precent/LingEcho-gateway/internal/models"
	"github.com/code-100-precent/LingEcho-gateway/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options controls database initialization behavior
type Options struct {
	Driver string
	DSN    string
	// InitSQLPath points to a .sql script file (optional); skip if empty
	InitSQLPath string
	// AutoMigrate whether to execute entity migration
	AutoMigrate bool
	// SeedNonProd writes the development accounts outside production
	SeedNonProd bool
	Production  bool
}

// SetupDatabase connect database -> run initialization SQL -> migrate entities -> (non-production) seed accounts
func SetupDatabase(logWriter io.Writer, opts *Options) (*gorm.DB, error) {
	if opts == nil || opts.DSN == "" {
		return nil, errors.New("database dsn is empty")
	}

	// 1) Connect to database
	db, err := models.OpenDatabase(opts.Driver, opts.DSN, logWriter)
	if err != nil {
		logger.Error("init database failed", zap.Error(err))
		return nil, err
	}

	// 2) Optional: execute initialization SQL
	if opts.InitSQLPath != "" {
		if err := RunInitSQL(db, opts.InitSQLPath); err != nil {
			logger.Error("run init sql failed", zap.String("path", opts.InitSQLPath), zap.Error(err))
			return nil, err
		}
	}

	// 3) Migrate entities
	if opts.AutoMigrate {
		if err := models.Migrate(db); err != nil {
			logger.Error("migration failed", zap.Error(err))
			return nil, err
		}
		logger.Info("migration success", zap.String("database", opts.Driver), zap.String("dsn", opts.DSN))
	}

	// 4) Non-production: development accounts
	if opts.SeedNonProd && !opts.Production {
		service := SeedService{db: db}
		if err := service.SeedAll(); err != nil {
			logger.Error("seed failed", zap.Error(err))
			return nil, err
		}
	}

	logger.Info("system bootstrap - database is initialization complete")
	return db, nil
}

// RunInitSQL executes statements from a local .sql file split by semicolon.
// Scripts should guard with IF NOT EXISTS to stay idempotent.
func RunInitSQL(db *gorm.DB, sqlFilePath string) error {
	f, err := os.Open(sqlFilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		sb      strings.Builder
		scanner = bufio.NewScanner(f)
	)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trim := strings.TrimSpace(line)
		// 忽略注释和空行
		if trim == "" || strings.HasPrefix(trim, "--") || strings.HasPrefix(trim, "#") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		if strings.HasSuffix(trim, ";") {
			stmt := strings.TrimSpace(sb.String())
			sb.Reset()
			if stmt != "" {
				if err := db.Exec(stmt).Error; err != nil {
					return err
				}
			}
		}
	}
	if rest := strings.TrimSpace(sb.String()); rest != "" {
		if err := db.Exec(rest).Error; err != nil {
			return err
		}
	}
	return scanner.Err()
}
