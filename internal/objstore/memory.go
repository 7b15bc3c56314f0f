package objstore

import (
	"context"
	"sync"
	"time"
)

// MemoryBucket：进程内对象存储，用于测试与 STORE_BACKEND=memory 的本地调试
type MemoryBucket struct {
	mu   sync.Mutex
	objs map[string]Object
	now  func() time.Time
}

func NewMemory() *MemoryBucket {
	return &MemoryBucket{objs: make(map[string]Object), now: time.Now}
}

func (b *MemoryBucket) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", storageErr("put", key, err)
	}
	c := applyPutOptions(opts)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, exists := b.objs[key]
	if err := c.check(exists, cur.ETag); err != nil {
		return "", err
	}
	etag := ETag(body)
	b.objs[key] = Object{Key: key, Body: append([]byte(nil), body...), ETag: etag, UpdatedAt: b.now()}
	return etag, nil
}

func (b *MemoryBucket) Get(ctx context.Context, key string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get", key, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objs[key]
	if !ok {
		return nil, ErrNotFound
	}
	o.Body = append([]byte(nil), o.Body...)
	return &o, nil
}

func (b *MemoryBucket) Ping(ctx context.Context) error { return ctx.Err() }

// Keys：当前全部键（测试辅助）
func (b *MemoryBucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objs))
	for k := range b.objs {
		out = append(out, k)
	}
	return out
}
