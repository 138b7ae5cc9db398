package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"quickgrab/internal/shared/logger"
	"quickgrab/internal/shared/types"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// ErrNotFound 请求不存在
var ErrNotFound = errors.New("store: record not found")

// Store 持久化待抢购请求与抢购结果。时间统一保存为毫秒时间戳，0 表示未设置。
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	logger zerolog.Logger
}

// Open 按配置打开数据库并初始化表结构。
func Open(ctx context.Context, cfg types.DatabaseConf) (*Store, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case DriverMySQL:
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == DriverSQLite {
		// sqlite 只使用单连接
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}

	s, err := New(ctx, db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New 使用已打开的连接，创建缺失的表。
func New(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	s := &Store{
		db:     db,
		driver: driver,
		now:    time.Now,
		logger: logger.WithComponent("Store"),
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id INTEGER NOT NULL DEFAULT 0,
    buyer_id INTEGER NOT NULL DEFAULT 0,
    thread_id TEXT NOT NULL DEFAULT '',
    link TEXT NOT NULL DEFAULT '',
    cookies TEXT NOT NULL DEFAULT '',
    order_info TEXT,
    user_info TEXT,
    order_template TEXT,
    message TEXT NOT NULL DEFAULT '',
    id_number TEXT NOT NULL DEFAULT '',
    keyword TEXT NOT NULL DEFAULT '',
    start_time INTEGER NOT NULL DEFAULT 0,
    end_time INTEGER NOT NULL DEFAULT 0,
    quantity INTEGER NOT NULL DEFAULT 1,
    delay_ms INTEGER NOT NULL DEFAULT 0,
    frequency INTEGER NOT NULL DEFAULT 0,
    request_type INTEGER NOT NULL DEFAULT 0,
    status INTEGER NOT NULL DEFAULT 0,
    order_parameters TEXT,
    actual_earnings REAL NOT NULL DEFAULT 0,
    estimated_earnings REAL NOT NULL DEFAULT 0,
    extension TEXT,
    updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_requests_status_start ON requests(status, start_time);
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id INTEGER NOT NULL,
    request TEXT,
    status TEXT NOT NULL,
    payload TEXT,
    response_message TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_request_id ON results(request_id)`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS requests (
    id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    device_id BIGINT NOT NULL DEFAULT 0,
    buyer_id BIGINT NOT NULL DEFAULT 0,
    thread_id VARCHAR(64) NOT NULL DEFAULT '',
    link TEXT NOT NULL,
    cookies TEXT NOT NULL,
    order_info LONGTEXT NULL,
    user_info LONGTEXT NULL,
    order_template LONGTEXT NULL,
    message TEXT NOT NULL,
    id_number VARCHAR(64) NOT NULL DEFAULT '',
    keyword VARCHAR(255) NOT NULL DEFAULT '',
    start_time BIGINT NOT NULL DEFAULT 0,
    end_time BIGINT NOT NULL DEFAULT 0,
    quantity INT NOT NULL DEFAULT 1,
    delay_ms BIGINT NOT NULL DEFAULT 0,
    frequency INT NOT NULL DEFAULT 0,
    request_type INT NOT NULL DEFAULT 0,
    status INT NOT NULL DEFAULT 0,
    order_parameters LONGTEXT NULL,
    actual_earnings DOUBLE NOT NULL DEFAULT 0,
    estimated_earnings DOUBLE NOT NULL DEFAULT 0,
    extension LONGTEXT NULL,
    updated_at BIGINT NOT NULL DEFAULT 0,
    INDEX idx_requests_status_start (status, start_time)
) DEFAULT CHARSET=utf8mb4;
CREATE TABLE IF NOT EXISTS results (
    id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    request_id BIGINT NOT NULL,
    request LONGTEXT NULL,
    status VARCHAR(16) NOT NULL,
    payload LONGTEXT NULL,
    response_message LONGTEXT NULL,
    created_at BIGINT NOT NULL,
    INDEX idx_results_request_id (request_id)
) DEFAULT CHARSET=utf8mb4`

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}
