// 包 geo：球面 Web-Mercator 投影与配置坐标整体平移
// 背景：地图中心移动后，所有任务点/设备点/围栏应保持相对布局，因此在投影平面上做统一平移，
// 而不是在经纬度上直接加减（高纬度下后者会使布局变形）。
package geo

import (
	"errors"
	"fmt"
	"math"

	"game-config/internal/jsontree"
)

// EarthRadius：WGS84 长半轴（米），与 EPSG:3857 一致
const EarthRadius = 6378137.0

var (
	// ErrPole：纬度为 ±90 时投影发散
	ErrPole              = errors.New("geo: latitude at or beyond a pole cannot be projected")
	ErrInvalidCoordinate = jsontree.ErrInvalidCoordinate
)

// LatLng：与坐标遍历共用同一类型，遍历结果可直接参与投影计算
type LatLng = jsontree.LatLng

// Vector：投影平面上的位移（米）
type Vector struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(rad float64) float64 { return rad * 180 / math.Pi }

func Project(p LatLng) (x, y float64, err error) {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return 0, 0, fmt.Errorf("%w: non-finite %v", ErrInvalidCoordinate, p)
	}
	if math.Abs(p.Lat) >= 90 {
		return 0, 0, ErrPole
	}
	x = EarthRadius * rad(p.Lng)
	y = EarthRadius * math.Log(math.Tan(math.Pi/4+rad(p.Lat)/2))
	if math.IsInf(y, 0) || math.IsNaN(y) {
		return 0, 0, ErrPole
	}
	return x, y, nil
}

// Unproject：Project 的逆变换，经度越界时折回 [-180, 180]
func Unproject(x, y float64) LatLng {
	lat := deg(2*math.Atan(math.Exp(y/EarthRadius)) - math.Pi/2)
	return LatLng{Lat: lat, Lng: wrapLng(deg(x / EarthRadius))}
}

func wrapLng(lng float64) float64 {
	if lng >= -180 && lng <= 180 {
		return lng
	}
	w := math.Mod(lng+180, 360)
	if w < 0 {
		w += 360
	}
	return w - 180
}

// Delta：从 from 到 to 的平面位移
func Delta(from, to LatLng) (Vector, error) {
	x0, y0, err := Project(from)
	if err != nil {
		return Vector{}, err
	}
	x1, y1, err := Project(to)
	if err != nil {
		return Vector{}, err
	}
	return Vector{DX: x1 - x0, DY: y1 - y0}, nil
}

func Shift(p LatLng, d Vector) (LatLng, error) {
	x, y, err := Project(p)
	if err != nil {
		return LatLng{}, err
	}
	return Unproject(x+d.DX, y+d.DY), nil
}

// haversineKm：大圆距离（公里），使用平均半径 6371km
func haversineKm(a, b LatLng) float64 {
	const r = 6371.0
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * r * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
