// Package database opens the SQLite artifact store.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// InitializeSQLite 初始化 SQLite 制品库
// ctx: 上下文（支持取消）
// dbPath: 数据库文件路径（如 "~/.qtbench/qtbench.db"）
// 返回: 数据库连接对象（单连接池）或错误
func InitializeSQLite(ctx context.Context, dbPath string) (*sql.DB, error) {
	// 1. 创建目录
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// 2. 连接数据库（启用 WAL 和外键）
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 3. 配置单连接池
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// 4. 执行 Schema
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	// 5. 验证连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	schemaBytes, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}
