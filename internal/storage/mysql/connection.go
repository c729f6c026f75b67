package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "MarketResearch/internal/errors"
)

const (
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultDialTimeout     = 5 * time.Second
	defaultCollation       = "utf8mb4_unicode_ci"
)

// Config 描述 MySQL 连接池参数，零值字段使用默认值。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 解析 DSN、建立连接池并 PING 一次。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	connector, err := mysqldriver.NewConnector(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 无效")
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(positive(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(positive(cfg.MaxIdleConns, defaultMaxIdleConns))
	db.SetConnMaxLifetime(positive(cfg.ConnMaxLifetime, defaultConnMaxLifetime))
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL",
			xerrors.WithMetadata("addr", dsn.Addr), xerrors.WithMetadata("db", dsn.DBName))
	}
	return db, nil
}

// parseDSN 校验 DSN，并为未指定的拨号超时与字符序补默认值。报告内容包含多语种文本，统一使用 utf8mb4。
func parseDSN(raw string) (*mysqldriver.Config, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	dsn, err := mysqldriver.ParseDSN(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 无效")
	}
	if dsn.DBName == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 缺少数据库名")
	}
	if dsn.Timeout <= 0 {
		dsn.Timeout = defaultDialTimeout
	}
	if dsn.Collation == "" {
		dsn.Collation = defaultCollation
	}
	return dsn, nil
}

func positive[T int | time.Duration](value, fallback T) T {
	if value > 0 {
		return value
	}
	return fallback
}
