// Package sqldb opens the database/sql pools shared by the SQL-backed
// conversation and job stores. It knows the mysql and sqlite drivers.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Config 描述数据库连接池参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ErrUnsupportedDriver 表示驱动名不是 mysql 或 sqlite。
var ErrUnsupportedDriver = errors.New("unsupported sql driver")

// NormalizeDriver 返回小写的驱动名，未知驱动返回 ErrUnsupportedDriver。
func NormalizeDriver(name string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(name))
	switch driver {
	case "mysql", "sqlite":
		return driver, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, name)
	}
}

// Open 建立连接池并执行一次 Ping。SQLite 只允许单个连接，避免写锁冲突。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	driver, err := NormalizeDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", driver)
	}
	if driver == "mysql" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
		}
		dsn = parsed.FormatDSN()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", driver, err)
	}

	switch {
	case driver == "sqlite":
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", driver, err)
	}
	return db, nil
}

// IsDuplicateKey 判断错误是否为 MySQL 主键冲突 (1062)。
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
