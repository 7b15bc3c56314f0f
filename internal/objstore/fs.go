package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FSBucket：以目录树存放对象，键中的 / 对应子目录
// 背景：单机部署与开发环境无需外部依赖即可运行；写入采用临时文件 + fsync + rename 保证原子性。
// 约束：条件写入由进程内互斥锁串行化，多进程共享同一目录时不保证比较交换语义。
type FSBucket struct {
	root string
	mu   sync.Mutex
}

func NewFS(root string) (*FSBucket, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	return &FSBucket{root: root}, nil
}

func (b *FSBucket) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FSBucket) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", storageErr("put", key, err)
	}
	c := applyPutOptions(opts)
	p := b.path(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.conditional() {
		cur, err := os.ReadFile(p)
		exists := err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", storageErr("put", key, err)
		}
		etag := ""
		if exists {
			etag = ETag(cur)
		}
		if err := c.check(exists, etag); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", storageErr("put", key, err)
	}
	if err := syncedWriteFile(p, body, 0o644); err != nil {
		return "", storageErr("put", key, err)
	}
	return ETag(body), nil
}

func (b *FSBucket) Get(ctx context.Context, key string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get", key, err)
	}
	p := b.path(key)
	body, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	o := &Object{Key: key, Body: body, ETag: ETag(body)}
	if st, err := os.Stat(p); err == nil {
		o.UpdatedAt = st.ModTime()
	}
	return o, nil
}

func (b *FSBucket) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(b.root)
	if err != nil {
		return storageErr("ping", "", err)
	}
	if !st.IsDir() {
		return storageErr("ping", "", fmt.Errorf("%s is not a directory", b.root))
	}
	return nil
}

// syncedWriteFile：写入同目录临时文件、fsync 后 rename 覆盖目标
// 约束：rename 在同一文件系统内是原子的；任一步失败目标文件保持原样
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	ok = true
	return nil
}
