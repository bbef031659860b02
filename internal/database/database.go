package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sqliteScheme = "sqlite://"

// Connect opens the audit database. DSNs starting with sqlite:// select the SQLite
// driver; every other DSN is handed to PostgreSQL.
func Connect(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, sqliteScheme) {
		return ConnectSQLite(strings.TrimPrefix(dsn, sqliteScheme))
	}
	return ConnectPostgres(dsn)
}

// ConnectPostgres establishes a connection to the PostgreSQL database using the provided DSN.
func ConnectPostgres(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn must not be empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return db, nil
}

// ConnectSQLite opens a SQLite database file, or an in-memory one for ":memory:".
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	return db, nil
}
