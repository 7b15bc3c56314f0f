package migrate

import (
	"database/sql"

	"game-config/internal/logger"
)

// EnsureSchema：首次运行自动创建对象表与索引
// 背景：SQL 后端把配置对象存为 (bucket, object_key) 主键的行，PostgreSQL 与 SQLite 共用同一份 DDL
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；updated_at 为毫秒时间戳
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _config_objects (
            bucket TEXT NOT NULL,
            object_key TEXT NOT NULL,
            body TEXT NOT NULL,
            etag TEXT NOT NULL,
            updated_at BIGINT NOT NULL,
            PRIMARY KEY (bucket, object_key)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_config_objects_updated ON _config_objects(bucket, updated_at)`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
