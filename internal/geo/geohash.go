package geo

// GeohashPrecision：查询结果附带的 geohash 长度，7 位约 150m 见方
const GeohashPrecision = 7

var geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Geohash：base32 geohash 编码
// 背景：编辑器按网格聚合地图上的大量坐标，geohash 前缀相同即落在同一格。
// 约束：precision 取值 1..12，越界时截到边界。
func Geohash(p LatLng, precision int) string {
	precision = min(max(precision, 1), 12)
	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0
	out := make([]byte, 0, precision)
	even := true
	bit, ch := 0, 0
	for len(out) < precision {
		if even {
			mid := (lngLo + lngHi) / 2
			if p.Lng >= mid {
				ch |= 1 << (4 - bit)
				lngLo = mid
			} else {
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if p.Lat >= mid {
				ch |= 1 << (4 - bit)
				latLo = mid
			} else {
				latHi = mid
			}
		}
		even = !even
		if bit < 4 {
			bit++
			continue
		}
		out = append(out, geohashAlphabet[ch])
		bit, ch = 0, 0
	}
	return string(out)
}
