package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"swap-router/internal/config"
)

// Store 封装 SQLite 连接，供订单历史与监控事件共享。
type Store struct {
	db *sql.DB
}

// NewSQLite 根据配置初始化 SQLite 存储。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("store: 打开 SQLite 数据库失败: %w", err)
	}

	// 每个内存连接都是独立数据库，只能保留一个连接。
	if cfg.InMemory {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pragmas := []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;"}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("store: 执行 %q 失败: %w", pragma, err)
		}
	}

	return &Store{db: conn}, nil
}

// NewMemory 创建内存数据库，测试与临时会话使用。
func NewMemory() (*Store, error) {
	return NewSQLite(config.DatabaseConfig{InMemory: true})
}

// DB 返回底层 *sql.DB。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate 在单个事务内执行建表语句。
func (s *Store) Migrate(ctx context.Context, owner string, statements ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: 开启迁移事务失败: %w", owner, err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: 初始化表失败: %w", owner, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: 提交迁移失败: %w", owner, err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}
