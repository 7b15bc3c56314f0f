package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"
)

const (
	tolerance   = 1e-9
	minChildren = 2
	maxChildren = 16
	dimensions  = 2
)

var ErrInvalidRadius = errors.New("geo: radius must be positive")

type pinItem struct {
	p    LatLng
	rect *rtreego.Rect
}

func (i *pinItem) Bounds() *rtreego.Rect { return i.rect }

// PinIndex：按 (lat, lng) 建立的 R 树，用于查询某点附近的坐标
// 约束：构建后只读，可并发查询
type PinIndex struct {
	tree *rtreego.Rtree
	size int
}

// Hit：查询结果及与查询点的距离
type Hit struct {
	LatLng
	DistanceKm float64 `json:"distanceKm"`
	Geohash    string  `json:"geohash"`
}

func newHit(center, p LatLng) Hit {
	return Hit{LatLng: p, DistanceKm: haversineKm(center, p), Geohash: Geohash(p, GeohashPrecision)}
}

func NewPinIndex(pins []LatLng) *PinIndex {
	items := make([]rtreego.Spatial, 0, len(pins))
	for _, p := range pins {
		if p.Validate() != nil {
			continue
		}
		items = append(items, &pinItem{p: p, rect: rtreego.Point{p.Lat, p.Lng}.ToRect(tolerance)})
	}
	return &PinIndex{
		tree: rtreego.NewTree(dimensions, minChildren, maxChildren, items...),
		size: len(items),
	}
}

func (x *PinIndex) Size() int { return x.size }

// Within：半径 radiusKm 内的坐标，按距离升序
// 先用经纬度包围盒在 R 树上粗筛，再按 haversine 距离精确过滤
func (x *PinIndex) Within(center LatLng, radiusKm float64) ([]Hit, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if !(radiusKm > 0) || math.IsInf(radiusKm, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radiusKm)
	}
	latDeg := deg(radiusKm / 6371.0)
	lngDeg := 360.0
	if c := math.Cos(rad(center.Lat)); c > 1e-9 {
		lngDeg = math.Min(360, latDeg/c)
	}
	bounds, err := rtreego.NewRect(
		rtreego.Point{center.Lat - latDeg, center.Lng - lngDeg},
		[]float64{2 * latDeg, 2 * lngDeg},
	)
	if err != nil {
		return nil, fmt.Errorf("radius search: %w", err)
	}
	candidates := x.tree.SearchIntersect(bounds)
	// 跨越 ±180 经线时补查另一侧
	if center.Lng-lngDeg < -180 || center.Lng+lngDeg > 180 {
		shift := 360.0
		if center.Lng > 0 {
			shift = -360
		}
		if wrapped, err := rtreego.NewRect(
			rtreego.Point{center.Lat - latDeg, center.Lng + shift - lngDeg},
			[]float64{2 * latDeg, 2 * lngDeg},
		); err == nil {
			candidates = append(candidates, x.tree.SearchIntersect(wrapped)...)
		}
	}
	seen := make(map[*pinItem]bool, len(candidates))
	hits := make([]Hit, 0, len(candidates))
	for _, s := range candidates {
		it, ok := s.(*pinItem)
		if !ok || seen[it] {
			continue
		}
		seen[it] = true
		if h := newHit(center, it.p); h.DistanceKm <= radiusKm {
			hits = append(hits, h)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].DistanceKm < hits[j].DistanceKm })
	return hits, nil
}

// Nearest：最近的 n 个坐标（R 树在经纬度空间上的近邻，按 haversine 距离重新排序）
func (x *PinIndex) Nearest(center LatLng, n int) []Hit {
	if n <= 0 || x.size == 0 {
		return nil
	}
	res := x.tree.NearestNeighbors(n, rtreego.Point{center.Lat, center.Lng})
	hits := make([]Hit, 0, len(res))
	for _, s := range res {
		it, ok := s.(*pinItem)
		if !ok || it == nil {
			continue
		}
		hits = append(hits, newHit(center, it.p))
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].DistanceKm < hits[j].DistanceKm })
	return hits
}
