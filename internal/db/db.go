package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Open 按 DSN 推断方言并建立连接（Silent 模式不输出 SQL）
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}

	dialect, err := DetectDialect(trimmed)
	if err != nil {
		return nil, err
	}
	switch dialect {
	case DialectPostgres:
		return openPostgres(trimmed)
	default:
		return openSQLite(trimmed)
	}
}

// DetectDialect 根据 DSN 判断数据库类型
func DetectDialect(dsn string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "sqlite://"),
		lower == ":memory:",
		!strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("db: unsupported dsn: %s", dsn)
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
}

func openPostgres(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("db: postgres sql: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return conn, ping(conn)
}

// openSQLite SQLite 没有行锁，写事务只能串行，因此固定为单连接
func openSQLite(dsn string) (*gorm.DB, error) {
	normalized := SQLiteDSN(dsn)
	if path := sqlitePath(normalized); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create sqlite dir: %w", err)
		}
	}

	conn, err := gorm.Open(sqlite.Open(normalized), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite sql: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	return conn, ping(conn)
}

func ping(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("db: ping: %w", err)
	}
	return nil
}

// SQLiteDSN 将 sqlite:// 地址转换为 file: 形式并补齐 busy_timeout、WAL 等参数
func SQLiteDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == ":memory:" {
		return trimmed
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "sqlite://") {
		trimmed = "file:" + trimmed[len("sqlite://"):]
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), "file:") {
		trimmed = "file:" + trimmed
	}

	pragmas := []string{"busy_timeout(5000)", "journal_mode(WAL)", "foreign_keys(1)"}
	lower := strings.ToLower(trimmed)
	var add []string
	for _, p := range pragmas {
		name := p[:strings.Index(p, "(")]
		if strings.Contains(lower, "_pragma="+name) {
			continue
		}
		add = append(add, "_pragma="+p)
	}
	if len(add) == 0 {
		return trimmed
	}
	sep := "?"
	if strings.Contains(trimmed, "?") {
		sep = "&"
	}
	return trimmed + sep + strings.Join(add, "&")
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}
