// 包 versionindex：每个 slug 的版本指针文档（<slug>/index.json）
// 背景：索引记录各轨道的当前版本与对外提供的 liveChannel，是多个写入方共享的唯一可变文档。
// 约束：写入一律带条件（IfAbsent / IfMatch），并发写入的失败方得到 objstore.ErrConflict，
// 由 Update 在重新读取后重试；不会出现静默覆盖。
package versionindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"game-config/internal/channel"
	"game-config/internal/docstore"
	"game-config/internal/logger"
	"game-config/internal/metrics"
	"game-config/internal/objstore"
	"game-config/internal/snapshot"
)

// Pointer：某轨道当前版本
type Pointer struct {
	CurrentVersionID string `json:"currentVersionId"`
	Path             string `json:"path"`
}

type Index struct {
	SchemaVersion int                         `json:"schemaVersion"`
	Slug          string                      `json:"slug"`
	Title         string                      `json:"title"`
	Channels      map[channel.Channel]Pointer `json:"channels"`
	LiveChannel   channel.Channel             `json:"liveChannel"`
	Flags         snapshot.Flags              `json:"flags"`
	UpdatedAt     time.Time                   `json:"updatedAt"`
}

// UnmarshalJSON：丢弃未知轨道键；liveChannel 缺失时保持零值交由调用方补齐
func (ix *Index) UnmarshalJSON(b []byte) error {
	type raw struct {
		SchemaVersion int                `json:"schemaVersion"`
		Slug          string             `json:"slug"`
		Title         string             `json:"title"`
		Channels      map[string]Pointer `json:"channels"`
		LiveChannel   *string            `json:"liveChannel"`
		Flags         snapshot.Flags     `json:"flags"`
		UpdatedAt     time.Time          `json:"updatedAt"`
	}
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*ix = Index{
		SchemaVersion: r.SchemaVersion,
		Slug:          r.Slug,
		Title:         r.Title,
		Channels:      make(map[channel.Channel]Pointer, len(r.Channels)),
		Flags:         r.Flags,
		UpdatedAt:     r.UpdatedAt,
	}
	for k, p := range r.Channels {
		if channel.Valid(k) {
			ix.Channels[channel.Channel(k)] = p
		}
	}
	if r.LiveChannel != nil {
		ix.LiveChannel = channel.Normalize(*r.LiveChannel)
	}
	return nil
}

// Default：slug 首次写入时的索引
func Default(slug, title string, defaultChannel channel.Channel, flags snapshot.Flags, now time.Time) *Index {
	return &Index{
		SchemaVersion: snapshot.SchemaVersion,
		Slug:          slug,
		Title:         title,
		Channels:      map[channel.Channel]Pointer{},
		LiveChannel:   channel.Normalize(defaultChannel),
		Flags:         flags,
		UpdatedAt:     now,
	}
}

func (ix *Index) SetChannelPointer(ch channel.Channel, versionID, path string, now time.Time) {
	if ix.Channels == nil {
		ix.Channels = map[channel.Channel]Pointer{}
	}
	ix.Channels[channel.Normalize(ch)] = Pointer{CurrentVersionID: versionID, Path: path}
	ix.UpdatedAt = now
}

func (ix *Index) SetLiveChannel(ch channel.Channel, now time.Time) {
	ix.LiveChannel = channel.Normalize(ch)
	ix.UpdatedAt = now
}

// Store：索引的读写
type Store struct {
	docs *docstore.Store
}

func NewStore(docs *docstore.Store) *Store { return &Store{docs: docs} }

// Load：读取索引并返回其 ETag
// 缺失时返回 def() 与空 etag；损坏时记录告警并返回 def()，etag 保留损坏对象的值，修复写入仍是条件写
func (s *Store) Load(ctx context.Context, slug string, def func() *Index) (*Index, string, error) {
	key := snapshot.IndexKey(slug)
	var ix Index
	etag, err := s.docs.Get(ctx, key, &ix)
	switch {
	case err == nil:
		if ix.LiveChannel == "" {
			ix.LiveChannel = def().LiveChannel
		}
		return &ix, etag, nil
	case errors.Is(err, objstore.ErrNotFound):
		return def(), "", nil
	case errors.Is(err, docstore.ErrCorrupt):
		logger.L().Warn("index_corrupt_reset", "slug", slug, "key", key, "err", err)
		return def(), etag, nil
	}
	return nil, "", err
}

// Save：条件写入；etag 为空表示期望对象尚不存在
func (s *Store) Save(ctx context.Context, ix *Index, etag string) (string, error) {
	opt := objstore.IfAbsent()
	if etag != "" {
		opt = objstore.IfMatch(etag)
	}
	return s.docs.Put(ctx, snapshot.IndexKey(ix.Slug), ix, opt)
}

// Get：只读，不存在时返回 objstore.ErrNotFound
func (s *Store) Get(ctx context.Context, slug string) (*Index, error) {
	var ix Index
	if _, err := s.docs.Get(ctx, snapshot.IndexKey(slug), &ix); err != nil {
		return nil, err
	}
	return &ix, nil
}

// Update：读取-修改-条件写入循环；冲突时重新读取并重试，最多 retries 次额外尝试
func (s *Store) Update(ctx context.Context, slug string, def func() *Index, mutate func(*Index), retries int) (*Index, error) {
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		ix, etag, err := s.Load(ctx, slug, def)
		if err != nil {
			return nil, err
		}
		mutate(ix)
		_, err = s.Save(ctx, ix, etag)
		if err == nil {
			return ix, nil
		}
		if !errors.Is(err, objstore.ErrConflict) {
			return nil, err
		}
		metrics.IndexConflictsTotal.Inc()
		if attempt >= retries {
			return nil, fmt.Errorf("index %s: %w after %d attempts", slug, objstore.ErrConflict, attempt+1)
		}
		logger.L().Debug("index_conflict_retry", "slug", slug, "attempt", attempt+1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
