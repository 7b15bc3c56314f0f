package geo

import (
	"errors"
	"fmt"
	"strings"

	"game-config/internal/jsontree"
	"game-config/internal/snapshot"
)

// Mode：重定位方式
type Mode string

const (
	// ModeRelative：整体平移，保持布局
	ModeRelative Mode = "relative"
	// ModeAbsolute：所有坐标覆盖为同一点，布局丢失
	ModeAbsolute Mode = "absolute"
)

var (
	ErrUnknownMode   = errors.New("geo: unknown recenter mode")
	ErrCorruptCenter = snapshot.ErrCorruptCenter
)

// ParseMode：没有默认值，空串与未知值都返回 ErrUnknownMode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRelative:
		return ModeRelative, nil
	case ModeAbsolute:
		return ModeAbsolute, nil
	}
	return "", fmt.Errorf("%w: %q (want relative or absolute)", ErrUnknownMode, s)
}

type Result struct {
	Mode    Mode   `json:"mode"`
	Moved   bool   `json:"moved"`
	Shifted int    `json:"shifted"`
	Skipped int    `json:"skipped,omitempty"`
	From    LatLng `json:"from"`
	Center  LatLng `json:"center"`
}

// Apply：按 mode 分派
func Apply(doc *snapshot.Snapshot, newCenter LatLng, mode Mode) (Result, error) {
	switch mode {
	case ModeRelative:
		return Recenter(doc, newCenter)
	case ModeAbsolute:
		return RecenterAllPinsTo(doc, newCenter)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// Recenter：把 doc 中全部坐标按旧中心到新中心的平面位移平移，原地修改 doc
// 没有旧中心时只写入新中心（Moved=false）；恰好位于旧中心的点精确落到新中心；
// 极点上的坐标无法投影，保持原值并计入 Skipped
func Recenter(doc *snapshot.Snapshot, newCenter LatLng) (Result, error) {
	res := Result{Mode: ModeRelative, Center: newCenter}
	if err := newCenter.Validate(); err != nil {
		return res, err
	}
	old, found, err := snapshot.Center(doc)
	if err != nil {
		return res, err
	}
	if !found {
		snapshot.SetCenter(doc, newCenter)
		return res, nil
	}
	res.From = old
	d, err := Delta(old, newCenter)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrCorruptCenter, err)
	}
	jsontree.ForEachCoordinate(doc.Payload(), func(c *jsontree.Coord) {
		p := c.LatLng()
		if p == old {
			c.Set(newCenter.Lat, newCenter.Lng)
			res.Shifted++
			return
		}
		q, err := Shift(p, d)
		if err != nil {
			res.Skipped++
			return
		}
		c.Set(q.Lat, q.Lng)
		res.Shifted++
	})
	snapshot.SetCenter(doc, newCenter)
	res.Moved = true
	return res, nil
}

// RecenterAllPinsTo：doc 中全部坐标与地图中心都改为 newCenter；重复执行结果不变
func RecenterAllPinsTo(doc *snapshot.Snapshot, newCenter LatLng) (Result, error) {
	res := Result{Mode: ModeAbsolute, Center: newCenter}
	if err := newCenter.Validate(); err != nil {
		return res, err
	}
	if old, found, err := snapshot.Center(doc); err == nil && found {
		res.From = old
	}
	jsontree.ForEachCoordinate(doc.Payload(), func(c *jsontree.Coord) {
		c.Set(newCenter.Lat, newCenter.Lng)
		res.Shifted++
	})
	snapshot.SetCenter(doc, newCenter)
	res.Moved = res.Shifted > 0
	return res, nil
}
