package models

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"
)

// OpenDatabase opens the account directory. For sqlite the dsn is a file
// path or ":memory:".
func OpenDatabase(driver, dsn string, logWriter io.Writer) (*gorm.DB, error) {
	if logWriter == nil {
		logWriter = io.Discard
	}
	gormLogger := glog.New(
		log.New(logWriter, "\r\n", log.LstdFlags),
		glog.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  glog.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	switch driver {
	case "", "sqlite":
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if dsn == ":memory:" {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
		return db, nil
	case "mysql":
		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger})
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		return db, nil
	case "postgres", "pg":
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
