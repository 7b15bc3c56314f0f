// 包 geoseed：用 GeoIP City 库为没有地图中心的新配置估算初始中心
// 约束：库文件缺失或查询不到坐标时返回 ok=false，不影响保存流程
package geoseed

import (
	"errors"
	"net"
	"sync"

	"game-config/internal/geo"
	"game-config/internal/logger"

	"github.com/oschwald/geoip2-golang"
)

var ErrNoLocation = errors.New("geoseed: no location for address")

// Locator：按 IP 估算坐标
type Locator interface {
	Locate(ip net.IP) (geo.LatLng, error)
}

// Reader：基于 MaxMind GeoLite2/GeoIP2 City 数据库
type Reader struct {
	mu sync.RWMutex
	db *geoip2.Reader
}

func Open(path string) (*Reader, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	logger.L().Info("geoseed_open", "path", path, "type", db.Metadata().DatabaseType)
	return &Reader{db: db}, nil
}

func (r *Reader) Locate(ip net.IP) (geo.LatLng, error) {
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return geo.LatLng{}, ErrNoLocation
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return geo.LatLng{}, ErrNoLocation
	}
	rec, err := r.db.City(ip)
	if err != nil {
		return geo.LatLng{}, err
	}
	p := geo.LatLng{Lat: rec.Location.Latitude, Lng: rec.Location.Longitude}
	// 库中缺失坐标时为 0,0
	if p.Lat == 0 && p.Lng == 0 {
		return geo.LatLng{}, ErrNoLocation
	}
	if err := p.Validate(); err != nil {
		return geo.LatLng{}, err
	}
	return p, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// Static：固定坐标（测试与无 GeoIP 库时的手工配置）
type Static geo.LatLng

func (s Static) Locate(net.IP) (geo.LatLng, error) { return geo.LatLng(s), nil }
