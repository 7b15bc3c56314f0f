package publish

import (
	"context"
	"errors"
	"time"

	"game-config/internal/channel"
	"game-config/internal/geo"
	"game-config/internal/jsontree"
	"game-config/internal/metrics"
	"game-config/internal/objstore"
	"game-config/internal/snapshot"
)

// RecenterRequest：Mode 必须显式给出（relative / absolute）
type RecenterRequest struct {
	Slug    string
	Channel any
	Center  *geo.LatLng
	Mode    string
}

type RecenterResult struct {
	geo.Result
	Save *SaveResult `json:"save"`
}

// Recenter：读取轨道当前快照，按模式重定位全部坐标后作为新版本保存
func (p *Pipeline) Recenter(ctx context.Context, req RecenterRequest) (res *RecenterResult, err error) {
	defer func(start time.Time) { p.observe("recenter", start, err) }(time.Now())
	slug, err := slugOf(req.Slug)
	if err != nil {
		return nil, err
	}
	if req.Center == nil {
		return nil, invalid("newCenter", "missing")
	}
	if err := req.Center.Validate(); err != nil {
		return nil, invalid("newCenter", "%v", err)
	}
	mode, err := geo.ParseMode(req.Mode)
	if err != nil {
		return nil, invalid("mode", "%v", err)
	}
	ch := channel.Normalize(req.Channel)

	cur, err := p.Load(ctx, slug, ch)
	if err != nil {
		return nil, err
	}
	snap := cur.Snapshot
	snap.Slug, snap.Channel = slug, ch
	moved, err := geo.Apply(snap, *req.Center, mode)
	if err != nil {
		return nil, err
	}
	saved, err := p.commit(ctx, snap, "")
	if err != nil {
		return nil, err
	}
	metrics.PinsMovedTotal.WithLabelValues(string(mode)).Add(float64(moved.Shifted))
	p.log.Info("pipeline_recenter_ok", "slug", slug, "channel", ch, "mode", mode,
		"moved", moved.Moved, "shifted", moved.Shifted, "skipped", moved.Skipped, "version", saved.VersionID)
	return &RecenterResult{Result: moved, Save: saved}, nil
}

// SavePins：替换当前快照的 settings.pins 并保存为新版本；轨道尚无快照时从空配置开始
func (p *Pipeline) SavePins(ctx context.Context, slug string, ch any, pins []any) (res *SaveResult, err error) {
	defer func(start time.Time) { p.observe("save_pins", start, err) }(time.Now())
	slug, err = slugOf(slug)
	if err != nil {
		return nil, err
	}
	if pins == nil {
		return nil, invalid("pins", "must be an array")
	}
	c := channel.Normalize(ch)
	var snap *snapshot.Snapshot
	cur, err := p.Load(ctx, slug, c)
	switch {
	case err == nil:
		snap = cur.Snapshot
	case errors.Is(err, objstore.ErrNotFound):
		snap, _, err = p.build(SaveRequest{Slug: slug, Channel: c})
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if snap.Settings == nil {
		snap.Settings = map[string]any{}
	}
	snap.Slug, snap.Channel = slug, c
	snap.Settings["pins"] = jsontree.Clone(pins)
	return p.commit(ctx, snap, "")
}

// Pins：当前快照中去重后的全部坐标
func (p *Pipeline) Pins(ctx context.Context, slug string, ch any) ([]geo.LatLng, error) {
	cur, err := p.Load(ctx, slug, ch)
	if err != nil {
		return nil, err
	}
	pins := jsontree.CollectDistinctCoordinates(cur.Snapshot.Payload())
	if pins == nil {
		pins = []geo.LatLng{}
	}
	return pins, nil
}

// PinsNear：center 周围 radiusKm 内的坐标，按距离升序
func (p *Pipeline) PinsNear(ctx context.Context, slug string, ch any, center geo.LatLng, radiusKm float64) ([]geo.Hit, error) {
	if err := center.Validate(); err != nil {
		return nil, invalid("center", "%v", err)
	}
	if !(radiusKm > 0) {
		return nil, invalid("radius_km", "must be positive")
	}
	pins, err := p.Pins(ctx, slug, ch)
	if err != nil {
		return nil, err
	}
	return geo.NewPinIndex(pins).Within(center, radiusKm)
}

// PinsNearest：距 center 最近的 n 个坐标，按距离升序
func (p *Pipeline) PinsNearest(ctx context.Context, slug string, ch any, center geo.LatLng, n int) ([]geo.Hit, error) {
	if err := center.Validate(); err != nil {
		return nil, invalid("center", "%v", err)
	}
	if n <= 0 {
		return nil, invalid("nearest", "must be a positive integer")
	}
	pins, err := p.Pins(ctx, slug, ch)
	if err != nil {
		return nil, err
	}
	hits := geo.NewPinIndex(pins).Nearest(center, n)
	if hits == nil {
		hits = []geo.Hit{}
	}
	return hits, nil
}
