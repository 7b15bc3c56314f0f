// 包 objstore：对象存储抽象与后端实现（文件系统 / PostgreSQL / SQLite / Redis / 内存）
// 背景：配置文档以 JSON 对象形式按确定性路径存放；上层只依赖 Bucket 契约，部署时按配置选择后端。
// 约束：不做本地缓存，每次读取都以后端为准；条件写入（IfMatch/IfAbsent）在所有后端上均为原子比较交换。
package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound：键不存在
	ErrNotFound = errors.New("objstore: not found")
	// ErrConflict：条件写入失败（ETag 不匹配或对象已存在），可重试
	ErrConflict = errors.New("objstore: precondition failed")
	// ErrInvalidKey：键不合法（空、绝对路径、包含 .. 或反斜杠）
	ErrInvalidKey = errors.New("objstore: invalid key")
)

// StorageError：后端传输或权限错误，保留底层原因
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Object：一次读取得到的对象内容与元数据
type Object struct {
	Key       string
	Body      []byte
	ETag      string
	UpdatedAt time.Time
}

// Bucket：对象存储契约
type Bucket interface {
	Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error)
	Get(ctx context.Context, key string) (*Object, error)
	Ping(ctx context.Context) error
}

type putConditions struct {
	ifMatch  string
	ifAbsent bool
}

func (c putConditions) conditional() bool { return c.ifMatch != "" || c.ifAbsent }

// check：按当前对象状态判断条件是否满足
func (c putConditions) check(exists bool, etag string) error {
	if c.ifAbsent && exists {
		return ErrConflict
	}
	if c.ifMatch != "" && (!exists || etag != c.ifMatch) {
		return ErrConflict
	}
	return nil
}

// PutOption：写入条件
type PutOption func(*putConditions)

// IfMatch：仅当当前对象 ETag 等于 etag 时写入
func IfMatch(etag string) PutOption {
	return func(c *putConditions) { c.ifMatch = etag }
}

// IfAbsent：仅当键不存在时写入
func IfAbsent() PutOption {
	return func(c *putConditions) { c.ifAbsent = true }
}

func applyPutOptions(opts []PutOption) putConditions {
	var c putConditions
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}

// ETag：对象内容的 MD5 十六进制摘要（与 S3 单段上传一致）
func ETag(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// ValidateKey：键校验，避免越出 bucket 根目录或前缀
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
