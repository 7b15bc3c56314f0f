package objstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"game-config/internal/logger"
)

// Dialect：SQL 方言，决定占位符风格
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// SQLBucket：以单表 _config_objects 存放对象（表结构见 internal/migrate）
// 背景：PostgreSQL 用于生产部署，SQLite 用于单机；两者共用同一组语句，仅占位符不同。
// 约束：条件写入依赖 RowsAffected：IfMatch 为带 etag 条件的 UPDATE，IfAbsent 为 ON CONFLICT DO NOTHING。
type SQLBucket struct {
	db      *sql.DB
	dialect Dialect
	bucket  string
	now     func() time.Time
}

func NewSQL(db *sql.DB, dialect Dialect, bucket string) *SQLBucket {
	return &SQLBucket{db: db, dialect: dialect, bucket: bucket, now: time.Now}
}

func (b *SQLBucket) DB() *sql.DB { return b.db }

// q：把 ? 占位符改写为 PostgreSQL 的 $n
func (b *SQLBucket) q(s string) string {
	if b.dialect != Postgres {
		return s
	}
	var sb strings.Builder
	n := 0
	for _, r := range s {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBucket) Get(ctx context.Context, key string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, b.q(`SELECT body, etag, updated_at FROM _config_objects WHERE bucket=? AND object_key=?`), b.bucket, key)
	var body, etag string
	var ms int64
	if err := row.Scan(&body, &etag, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get", key, err)
	}
	return &Object{Key: key, Body: []byte(body), ETag: etag, UpdatedAt: time.UnixMilli(ms)}, nil
}

func (b *SQLBucket) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	c := applyPutOptions(opts)
	etag := ETag(body)
	ms := b.now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	switch {
	case c.ifAbsent:
		res, err = b.db.ExecContext(ctx, b.q(`INSERT INTO _config_objects(bucket, object_key, body, etag, updated_at)
            VALUES(?,?,?,?,?)
            ON CONFLICT (bucket, object_key) DO NOTHING`),
			b.bucket, key, string(body), etag, ms)
	case c.ifMatch != "":
		res, err = b.db.ExecContext(ctx, b.q(`UPDATE _config_objects SET body=?, etag=?, updated_at=?
            WHERE bucket=? AND object_key=? AND etag=?`),
			string(body), etag, ms, b.bucket, key, c.ifMatch)
	default:
		_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO _config_objects(bucket, object_key, body, etag, updated_at)
            VALUES(?,?,?,?,?)
            ON CONFLICT (bucket, object_key) DO UPDATE SET body=excluded.body, etag=excluded.etag, updated_at=excluded.updated_at`),
			b.bucket, key, string(body), etag, ms)
	}
	if err != nil {
		return "", storageErr("put", key, err)
	}
	if c.conditional() {
		n, err := res.RowsAffected()
		if err != nil {
			return "", storageErr("put", key, err)
		}
		if n == 0 {
			logger.L().Debug("sql_put_precondition_failed", "bucket", b.bucket, "key", key)
			return "", ErrConflict
		}
	}
	return etag, nil
}

func (b *SQLBucket) Ping(ctx context.Context) error {
	return storageErr("ping", "", b.db.PingContext(ctx))
}
