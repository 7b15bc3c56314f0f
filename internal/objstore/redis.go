package objstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucket：每个对象存为一个 hash（body/etag/updated_at），键为 <bucket>:<key>
// 约束：条件写入使用 WATCH + MULTI；事务期间键被其他客户端修改时返回 ErrConflict
type RedisBucket struct {
	rc     *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(rc *redis.Client, bucket string) *RedisBucket {
	return &RedisBucket{rc: rc, prefix: bucket + ":", now: time.Now}
}

func (b *RedisBucket) Get(ctx context.Context, key string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m, err := b.rc.HGetAll(ctx, b.prefix+key).Result()
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	etag, ok := m["etag"]
	if !ok {
		return nil, ErrNotFound
	}
	o := &Object{Key: key, Body: []byte(m["body"]), ETag: etag}
	if ms, err := strconv.ParseInt(m["updated_at"], 10, 64); err == nil {
		o.UpdatedAt = time.UnixMilli(ms)
	}
	return o, nil
}

func (b *RedisBucket) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	c := applyPutOptions(opts)
	rk := b.prefix + key
	etag := ETag(body)
	fields := []any{"body", body, "etag", etag, "updated_at", b.now().UnixMilli()}
	if !c.conditional() {
		if err := b.rc.HSet(ctx, rk, fields...).Err(); err != nil {
			return "", storageErr("put", key, err)
		}
		return etag, nil
	}
	err := b.rc.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, rk, "etag").Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		if err := c.check(exists, cur); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, rk, fields...)
			return nil
		})
		return err
	}, rk)
	switch {
	case err == nil:
		return etag, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return "", ErrConflict
	}
	return "", storageErr("put", key, err)
}

func (b *RedisBucket) Ping(ctx context.Context) error {
	return storageErr("ping", "", b.rc.Ping(ctx).Err())
}
