// 包 publish：配置保存、发布、上线与重定位流程
// 背景：一次保存会写入四个对象：版本快照、轨道 current、版本索引、（已发布且启用时）live 镜像。
// 约束：按上述顺序逐个写入，前一步持久化成功后才进行下一步；中途失败不回滚已完成的步骤，
// 以相同 versionId 重试会收敛到同一结果。索引写入为条件写，冲突时重新读取后重试。
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"game-config/internal/channel"
	"game-config/internal/docstore"
	"game-config/internal/geo"
	"game-config/internal/jsontree"
	"game-config/internal/logger"
	"game-config/internal/metrics"
	"game-config/internal/objstore"
	"game-config/internal/rewrite"
	"game-config/internal/snapshot"
	"game-config/internal/versionindex"

	"github.com/google/uuid"
)

const DefaultIndexRetries = 5

type Pipeline struct {
	bucket         objstore.Bucket
	docs           *docstore.Store
	index          *versionindex.Store
	rw             *rewrite.Rewriter
	now            func() time.Time
	newID          func() string
	retries        int
	defaultChannel channel.Channel
	log            *slog.Logger
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// WithIndexRetries：索引条件写入冲突后的额外重试次数
func WithIndexRetries(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.retries = n
		}
	}
}

func WithRewriter(rw *rewrite.Rewriter) Option {
	return func(p *Pipeline) {
		if rw != nil {
			p.rw = rw
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithDefaultChannel：请求未给出 defaultChannel 时使用的值
func WithDefaultChannel(ch channel.Channel) Option {
	return func(p *Pipeline) { p.defaultChannel = channel.Normalize(ch) }
}

func New(b objstore.Bucket, opts ...Option) *Pipeline {
	docs := docstore.New(b)
	p := &Pipeline{
		bucket:         b,
		docs:           docs,
		index:          versionindex.NewStore(docs),
		rw:             rewrite.New(rewrite.DefaultPool),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		retries:        DefaultIndexRetries,
		defaultChannel: channel.Draft,
		log:            logger.L(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SaveRequest：保存请求；Channel 与 DefaultChannel 接受任意原始值并统一归一化
type SaveRequest struct {
	Slug           string
	Channel        any
	// Title：任意 JSON 标量；空值、false、0 时回退为 slug
	Title          any
	Flags          snapshot.Flags
	Settings       any
	Missions       any
	Devices        any
	Media          any
	DefaultChannel any
	VersionID      string
	// SeedCenter：settings 中没有地图中心时写入的初始中心（通常来自请求方 IP 的地理位置）
	SeedCenter *geo.LatLng
}

type Paths struct {
	Index   string  `json:"index"`
	Version string  `json:"version"`
	Current string  `json:"current"`
	Live    *string `json:"live"`
}

type SaveResult struct {
	Slug      string          `json:"slug"`
	Channel   channel.Channel `json:"channel"`
	VersionID string          `json:"versionId"`
	Paths     Paths           `json:"paths"`
	Rewritten int             `json:"rewritten,omitempty"`
}

func (p *Pipeline) observe(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsValidation(err):
		outcome = "invalid"
	case errors.Is(err, objstore.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, objstore.ErrConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.OperationDurationMs.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func slugOf(raw string) (string, error) {
	slug, err := snapshot.NormalizeSlug(raw)
	if err != nil {
		return "", invalid("slug", "%v", err)
	}
	return slug, nil
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{}
}

// titleOf：标量转为字符串；对象与数组不可作为标题
func titleOf(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case bool:
		if t {
			return "true", nil
		}
		return "", nil
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return "", nil
		}
		return t.String(), nil
	case float64:
		if t == 0 {
			return "", nil
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	}
	return "", invalid("title", "must be a string")
}

// build：把请求整理为快照；数组字段非数组时置空，settings/media 缺失时为空对象
func (p *Pipeline) build(req SaveRequest) (*snapshot.Snapshot, string, error) {
	slug, err := slugOf(req.Slug)
	if err != nil {
		return nil, "", err
	}
	versionID := strings.TrimSpace(req.VersionID)
	if versionID != "" && !snapshot.ValidVersionID(versionID) {
		return nil, "", invalid("versionId", "must match [A-Za-z0-9._-]{1,128}")
	}
	// 约束：调用方的 map 不能被种子中心或改写污染，入库前一律深拷贝
	var settings map[string]any
	switch s := req.Settings.(type) {
	case nil:
		settings = map[string]any{}
	case map[string]any:
		settings = jsontree.Clone(s).(map[string]any)
	default:
		return nil, "", invalid("settings", "must be an object")
	}
	var media any = map[string]any{}
	if req.Media != nil {
		media = jsontree.Clone(req.Media)
	}
	title, err := titleOf(req.Title)
	if err != nil {
		return nil, "", err
	}
	if title == "" {
		title = slug
	}
	defCh := channel.NormalizeOr(req.DefaultChannel, p.defaultChannel)
	snap := &snapshot.Snapshot{
		SchemaVersion:  snapshot.SchemaVersion,
		Slug:           slug,
		Title:          title,
		Channel:        channel.NormalizeOr(req.Channel, defCh),
		Flags:          req.Flags,
		DefaultChannel: defCh,
		Settings:       settings,
		Missions:       asList(jsontree.Clone(req.Missions)),
		Devices:        asList(jsontree.Clone(req.Devices)),
		Media:          media,
	}
	if req.SeedCenter != nil && req.SeedCenter.Validate() == nil {
		if _, found, err := snapshot.Center(snap); err == nil && !found {
			snapshot.SetCenter(snap, *req.SeedCenter)
		}
	}
	return snap, versionID, nil
}

// Save：保存一份快照到其轨道
func (p *Pipeline) Save(ctx context.Context, req SaveRequest) (res *SaveResult, err error) {
	defer func(start time.Time) { p.observe("save", start, err) }(time.Now())
	snap, versionID, err := p.build(req)
	if err != nil {
		return nil, err
	}
	return p.commit(ctx, snap, versionID)
}

// Publish：同 Save，轨道固定为 published
func (p *Pipeline) Publish(ctx context.Context, req SaveRequest) (res *SaveResult, err error) {
	defer func(start time.Time) { p.observe("publish", start, err) }(time.Now())
	req.Channel = channel.Published
	snap, versionID, err := p.build(req)
	if err != nil {
		return nil, err
	}
	return p.commit(ctx, snap, versionID)
}

func (p *Pipeline) defaultIndex(snap *snapshot.Snapshot, now time.Time) func() *versionindex.Index {
	return func() *versionindex.Index {
		return versionindex.Default(snap.Slug, snap.Title, snap.DefaultChannel, snap.Flags, now)
	}
}

// commit：按顺序写入版本快照、轨道 current、索引、live 镜像
func (p *Pipeline) commit(ctx context.Context, snap *snapshot.Snapshot, versionID string) (*SaveResult, error) {
	now := p.now()
	if versionID == "" {
		versionID = p.newID()
	}
	snap.UpdatedAt = now
	slug, ch := snap.Slug, snap.Channel

	rewritten := 0
	if ch == channel.Published {
		rewritten = p.rewriteSnapshot(snap)
	}

	res := &SaveResult{
		Slug:      slug,
		Channel:   ch,
		VersionID: versionID,
		Rewritten: rewritten,
		Paths: Paths{
			Index:   snapshot.IndexKey(slug),
			Version: snapshot.VersionKey(slug, versionID),
			Current: snapshot.CurrentKey(slug, ch),
		},
	}

	if err := p.putVersion(ctx, res.Paths.Version, snap); err != nil {
		p.log.Error("pipeline_write_version_error", "slug", slug, "version", versionID, "err", err)
		return nil, err
	}
	cur := &snapshot.ChannelCurrent{VersionID: versionID, Path: res.Paths.Version, Snapshot: snap}
	if _, err := p.docs.Put(ctx, res.Paths.Current, cur); err != nil {
		p.log.Error("pipeline_write_current_error", "slug", slug, "channel", ch, "err", err)
		return nil, err
	}
	_, err := p.index.Update(ctx, slug, p.defaultIndex(snap, now), func(ix *versionindex.Index) {
		ix.Title = snap.Title
		ix.Flags = snap.Flags
		ix.SetChannelPointer(ch, versionID, snapshot.CurrentRelPath(ch), now)
		if ix.LiveChannel == "" {
			ix.LiveChannel = snap.DefaultChannel
		}
	}, p.retries)
	if err != nil {
		p.log.Error("pipeline_write_index_error", "slug", slug, "channel", ch, "err", err)
		return nil, err
	}
	if snap.Flags.Enabled && ch == channel.Published {
		live := snapshot.LiveKey(slug)
		mirror := &snapshot.LiveMirror{VersionID: versionID, Path: res.Paths.Version, Snapshot: snap, MirroredFrom: channel.Published}
		if _, err := p.docs.Put(ctx, live, mirror); err != nil {
			p.log.Error("pipeline_write_live_error", "slug", slug, "err", err)
			return nil, err
		}
		res.Paths.Live = &live
	}
	p.log.Info("pipeline_save_ok", "slug", slug, "channel", ch, "version", versionID, "rewritten", rewritten, "live", res.Paths.Live != nil)
	return res, nil
}

// putVersion：版本对象只写一次
// 背景：同一 versionId 的重试只在内容一致时视为成功，沿用已存对象的 UpdatedAt
// 约束：内容不同返回 objstore.ErrConflict，已存版本保持不变
func (p *Pipeline) putVersion(ctx context.Context, key string, snap *snapshot.Snapshot) error {
	_, err := p.docs.Put(ctx, key, snap, objstore.IfAbsent())
	if !errors.Is(err, objstore.ErrConflict) {
		return err
	}
	var prev snapshot.Snapshot
	etag, err := p.docs.Get(ctx, key, &prev)
	if err != nil {
		return err
	}
	cand := *snap
	cand.UpdatedAt = prev.UpdatedAt
	body, err := docstore.Marshal(&cand)
	if err != nil {
		return err
	}
	if objstore.ETag(body) != etag {
		return fmt.Errorf("version %s exists with different content: %w", key, objstore.ErrConflict)
	}
	snap.UpdatedAt = prev.UpdatedAt
	return nil
}

func (p *Pipeline) rewriteSnapshot(snap *snapshot.Snapshot) int {
	total := 0
	if v, n := p.rw.Rewrite(snap.Settings); n > 0 {
		snap.Settings, total = v.(map[string]any), total+n
	}
	if v, n := p.rw.Rewrite(snap.Missions); n > 0 {
		snap.Missions, total = v.([]any), total+n
	}
	if v, n := p.rw.Rewrite(snap.Devices); n > 0 {
		snap.Devices, total = v.([]any), total+n
	}
	if v, n := p.rw.Rewrite(snap.Media); n > 0 {
		snap.Media, total = v, total+n
	}
	if total > 0 {
		metrics.RewrittenRefsTotal.Add(float64(total))
	}
	return total
}

// MakeLive：把索引的 liveChannel 切换为 published；不写快照
func (p *Pipeline) MakeLive(ctx context.Context, slug string, defaultChannel any) (live channel.Channel, err error) {
	defer func(start time.Time) { p.observe("make_live", start, err) }(time.Now())
	slug, err = slugOf(slug)
	if err != nil {
		return "", err
	}
	now := p.now()
	defCh := channel.NormalizeOr(defaultChannel, p.defaultChannel)
	ix, err := p.index.Update(ctx, slug, func() *versionindex.Index {
		return versionindex.Default(slug, slug, defCh, snapshot.Flags{}, now)
	}, func(ix *versionindex.Index) {
		ix.SetLiveChannel(channel.Published, now)
	}, p.retries)
	if err != nil {
		return "", err
	}
	p.log.Info("pipeline_make_live_ok", "slug", slug, "live", ix.LiveChannel)
	return ix.LiveChannel, nil
}

// Load：读取轨道 current 文档
func (p *Pipeline) Load(ctx context.Context, slug string, ch any) (cur *snapshot.ChannelCurrent, err error) {
	defer func(start time.Time) { p.observe("load", start, err) }(time.Now())
	slug, err = slugOf(slug)
	if err != nil {
		return nil, err
	}
	key := snapshot.CurrentKey(slug, channel.Normalize(ch))
	var c snapshot.ChannelCurrent
	etag, err := p.docs.Get(ctx, key, &c)
	if err != nil {
		return nil, err
	}
	if c.Snapshot == nil {
		return nil, &docstore.CorruptError{Key: key, ETag: etag, Err: errors.New("missing snapshot")}
	}
	return &c, nil
}

// Index：读取版本索引
func (p *Pipeline) Index(ctx context.Context, slug string) (ix *versionindex.Index, err error) {
	defer func(start time.Time) { p.observe("index", start, err) }(time.Now())
	slug, err = slugOf(slug)
	if err != nil {
		return nil, err
	}
	return p.index.Get(ctx, slug)
}

// SelftestReport：存储可写可读的自检结果
type SelftestReport struct {
	Key   string    `json:"key"`
	Nonce string    `json:"nonce"`
	Write bool      `json:"write"`
	Read  bool      `json:"read"`
	At    time.Time `json:"t"`
}

// Selftest：写入 _health/ok.json 并读回校验
func (p *Pipeline) Selftest(ctx context.Context) (rep *SelftestReport, err error) {
	defer func(start time.Time) { p.observe("selftest", start, err) }(time.Now())
	if err := p.bucket.Ping(ctx); err != nil {
		return nil, err
	}
	rep = &SelftestReport{Key: snapshot.HealthKey(), Nonce: uuid.NewString(), At: p.now()}
	etag, err := p.docs.Put(ctx, rep.Key, map[string]any{"nonce": rep.Nonce, "t": rep.At})
	if err != nil {
		return rep, err
	}
	rep.Write = true
	var back struct {
		Nonce string `json:"nonce"`
	}
	got, err := p.docs.Get(ctx, rep.Key, &back)
	if err != nil {
		return rep, err
	}
	// 并发自检会互相覆盖 nonce，只要读到的是合法文档即视为可读
	rep.Read = got == etag || back.Nonce != ""
	return rep, nil
}
