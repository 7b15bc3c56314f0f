// 包 jsontree：在 encoding/json 解码得到的通用树上查找坐标点
// 背景：配置中的坐标散落在任务、设备、设置的任意层级（pins/checkpoints/geofences/...），
// 结构不固定，因此按"对象同时含 lat+lng（或 latitude+longitude）"的形状识别。
// 约束：值域限定为 nil/bool/float64/json.Number/string/[]any/map[string]any；
// 遍历使用显式栈，深层嵌套不会耗尽调用栈；对象键按字典序访问，结果稳定。
package jsontree

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// LatLng：经纬度点（度）；地理计算与树遍历共用此类型
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p LatLng) String() string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng) }

// Validate：有限值，|lat| < 90，|lng| <= 180
func (p LatLng) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: non-finite %v", ErrInvalidCoordinate, p)
	}
	if math.Abs(p.Lat) >= 90 || math.Abs(p.Lng) > 180 {
		return fmt.Errorf("%w: out of range %v", ErrInvalidCoordinate, p)
	}
	return nil
}

// Key：去重键，保留 6 位小数（约 0.1 米）
func (p LatLng) Key() string { return fmt.Sprintf("%.6f:%.6f", p.Lat, p.Lng) }

// Number：把 JSON 数值转换为有限的 float64；非数值或 NaN/Inf 返回 false
func Number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// InRange：纬度 [-90,90]、经度 [-180,180]
func InRange(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

var keyStyles = [][2]string{{"lat", "lng"}, {"latitude", "longitude"}}

// Coord：树中的一个坐标节点
type Coord struct {
	node   map[string]any
	latKey string
	lngKey string
	p      LatLng
}

func (c *Coord) Lat() float64   { return c.p.Lat }
func (c *Coord) Lng() float64   { return c.p.Lng }
func (c *Coord) LatLng() LatLng { return c.p }

// Set：按原有键名写回
func (c *Coord) Set(lat, lng float64) {
	c.node[c.latKey] = lat
	c.node[c.lngKey] = lng
	c.p = LatLng{Lat: lat, Lng: lng}
}

// asCoord：形状匹配；键存在但数值非法或越界时返回 nil
func asCoord(m map[string]any) *Coord {
	for _, ks := range keyStyles {
		rawLat, ok1 := m[ks[0]]
		rawLng, ok2 := m[ks[1]]
		if !ok1 || !ok2 {
			continue
		}
		lat, ok1 := Number(rawLat)
		lng, ok2 := Number(rawLng)
		if !ok1 || !ok2 || !InRange(lat, lng) {
			continue
		}
		return &Coord{node: m, latKey: ks[0], lngKey: ks[1], p: LatLng{Lat: lat, Lng: lng}}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForEachCoordinate：深度优先遍历 node，对每个坐标节点调用 visit
// 坐标节点的子节点仍会继续遍历；visit 可调用 Coord.Set 原地修改
func ForEachCoordinate(node any, visit func(*Coord)) {
	stack := []any{node}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch v := cur.(type) {
		case map[string]any:
			if c := asCoord(v); c != nil {
				visit(c)
			}
			keys := sortedKeys(v)
			for i := len(keys) - 1; i >= 0; i-- {
				stack = appendContainer(stack, v[keys[i]])
			}
		case []any:
			for i := len(v) - 1; i >= 0; i-- {
				stack = appendContainer(stack, v[i])
			}
		}
	}
}

func appendContainer(stack []any, v any) []any {
	switch v.(type) {
	case map[string]any, []any:
		return append(stack, v)
	}
	return stack
}

// CollectDistinctCoordinates：按 6 位小数去重，保留首次出现
func CollectDistinctCoordinates(node any) []LatLng {
	seen := make(map[string]struct{})
	var out []LatLng
	ForEachCoordinate(node, func(c *Coord) {
		k := c.p.Key()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, c.p)
	})
	return out
}

func Count(node any) int {
	n := 0
	ForEachCoordinate(node, func(*Coord) { n++ })
	return n
}

// Clone：深拷贝通用 JSON 树
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Clone(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Clone(x)
		}
		return out
	}
	return v
}
