// 包 docstore：JSON 文档读写，建立在 objstore.Bucket 之上
// 背景：上层只处理结构体与 map，序列化格式、损坏检测与错误分类集中在此处
// 约束：不缓存；缺失返回 objstore.ErrNotFound，无法解析返回 *CorruptError
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"game-config/internal/metrics"
	"game-config/internal/objstore"
)

// ErrCorrupt：对象存在但内容不是合法 JSON
var ErrCorrupt = errors.New("docstore: corrupt document")

type CorruptError struct {
	Key  string
	ETag string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt document %s: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

type Store struct {
	b objstore.Bucket
}

func New(b objstore.Bucket) *Store { return &Store{b: b} }

// Marshal：两空格缩进，末尾无换行
func Marshal(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal：数字保留为 json.Number，且不允许尾随数据
func Unmarshal(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, doc any, opts ...objstore.PutOption) (string, error) {
	body, err := Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	return s.b.Put(ctx, key, body, opts...)
}

// Get：读取并解码到 out，返回对象 ETag
func (s *Store) Get(ctx context.Context, key string, out any) (string, error) {
	o, err := s.b.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if err := Unmarshal(o.Body, out); err != nil {
		metrics.CorruptDocumentsTotal.Inc()
		return o.ETag, &CorruptError{Key: key, ETag: o.ETag, Err: err}
	}
	return o.ETag, nil
}
