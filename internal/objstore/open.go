package objstore

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"game-config/internal/logger"
	"game-config/internal/migrate"
	"game-config/internal/utils"
)

// Options：后端选择与连接参数（由 internal/config 填充）
type Options struct {
	Backend   string // fs | postgres | sqlite | redis | memory
	Bucket    string
	DataDir   string
	SQLite    string
	Postgres  utils.PGOptions
	Redis     utils.RedisOptions
	OpTimeout time.Duration
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

// Open：按 Options.Backend 构建后端，并套上超时与指标装饰
// 约束：SQL 后端在返回前完成建表；返回的 io.Closer 负责释放连接
func Open(ctx context.Context, o Options) (Bucket, io.Closer, error) {
	if o.Bucket == "" {
		return nil, nil, fmt.Errorf("objstore: bucket name is required")
	}
	backend := strings.ToLower(strings.TrimSpace(o.Backend))
	var (
		b      Bucket
		closer io.Closer = nopCloser
	)
	switch backend {
	case "", "fs":
		backend = "fs"
		dir := o.DataDir
		if dir == "" {
			dir = "data"
		}
		fb, err := NewFS(filepath.Join(dir, o.Bucket))
		if err != nil {
			return nil, nil, err
		}
		b = fb
	case "postgres", "sqlite":
		var (
			sb  *SQLBucket
			err error
		)
		if backend == "postgres" {
			db, e := utils.OpenPostgres(o.Postgres)
			if e != nil {
				return nil, nil, e
			}
			sb = NewSQL(db, Postgres, o.Bucket)
		} else {
			path := o.SQLite
			if path == "" {
				path = filepath.Join(o.DataDir, "gamecfg.db")
			}
			db, e := utils.OpenSQLite(path)
			if e != nil {
				return nil, nil, e
			}
			sb = NewSQL(db, SQLite, o.Bucket)
		}
		if err = sb.DB().PingContext(ctx); err != nil {
			_ = sb.DB().Close()
			return nil, nil, fmt.Errorf("%s ping: %w", backend, err)
		}
		if err = migrate.EnsureSchema(sb.DB()); err != nil {
			_ = sb.DB().Close()
			return nil, nil, fmt.Errorf("%s schema: %w", backend, err)
		}
		b, closer = sb, sb.DB()
	case "redis":
		rc := utils.OpenRedis(o.Redis)
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		b, closer = NewRedis(rc, o.Bucket), rc
	case "memory":
		b = NewMemory()
	default:
		return nil, nil, fmt.Errorf("objstore: unknown backend %q", o.Backend)
	}
	logger.L().Info("store_open", "backend", backend, "bucket", o.Bucket)
	return WithTimeout(Instrument(b, backend), o.OpTimeout), closer, nil
}
