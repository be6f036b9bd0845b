package database

import (
	"fmt"
	"strings"

	glebarez "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// =============================================================================
// 🔌 连接打开
// =============================================================================

// Driver 数据库驱动
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	// DriverSQLite 纯 Go 实现（glebarez/sqlite），无需 CGO
	DriverSQLite Driver = "sqlite"
	// DriverSQLite3 基于 CGO 的 mattn/go-sqlite3
	DriverSQLite3 Driver = "sqlite3"
)

// ParseDriver 解析驱动名称
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	case "mysql":
		return DriverMySQL, nil
	case "sqlite", "":
		return DriverSQLite, nil
	case "sqlite3":
		return DriverSQLite3, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", s)
	}
}

// Dialector 按驱动构建 GORM Dialector
func Dialector(driver Driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite:
		return glebarez.Open(dsn), nil
	case DriverSQLite3:
		return cgosqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Open 打开 GORM 连接，SQL 日志输出到 zap
func Open(driver Driver, dsn string, logger *zap.Logger, observer QueryObserver) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(logger, observer),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return db, nil
}

// Connect 打开连接并创建连接池管理器
func Connect(driver Driver, dsn string, config PoolConfig, logger *zap.Logger, observer QueryObserver) (*PoolManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	db, err := Open(driver, dsn, logger, observer)
	if err != nil {
		return nil, err
	}
	return NewPoolManager(db, config, logger)
}
