// 包 snapshot：配置快照文档模型与对象键布局
// 背景：同一份快照会出现在三处（versions/<id>.json、<channel>/current.json、live/current.json），
// 键的拼装统一在此处，避免各调用方各自拼路径。
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"game-config/internal/channel"
	"game-config/internal/jsontree"
)

const SchemaVersion = 1

// Flags：功能开关；JSON 键沿用 GAME_ENABLED
type Flags struct {
	Enabled bool `json:"GAME_ENABLED"`
}

// UnmarshalJSON：GAME_ENABLED 按真值语义解析（非零数字、非空字符串、对象与数组为真）
func (f *Flags) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		// null 或非对象一律视为关闭
		*f = Flags{}
		return nil
	}
	f.Enabled = truthy(raw["GAME_ENABLED"])
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

// Snapshot：某一时刻完整的游戏配置
// Settings/Missions/Devices/Media 内容不做校验，原样保存
type Snapshot struct {
	SchemaVersion  int             `json:"schemaVersion"`
	Slug           string          `json:"slug"`
	Title          string          `json:"title"`
	Channel        channel.Channel `json:"channel"`
	Flags          Flags           `json:"flags"`
	DefaultChannel channel.Channel `json:"defaultChannel"`
	Settings       map[string]any  `json:"settings"`
	Missions       []any           `json:"missions"`
	Devices        []any           `json:"devices"`
	Media          any             `json:"media"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Payload：参与坐标遍历与引用改写的部分
func (s *Snapshot) Payload() map[string]any {
	return map[string]any{
		"settings": s.Settings,
		"missions": s.Missions,
		"devices":  s.Devices,
		"media":    s.Media,
	}
}

// ChannelCurrent：<slug>/<channel>/current.json
type ChannelCurrent struct {
	VersionID string    `json:"versionId"`
	Path      string    `json:"path"`
	Snapshot  *Snapshot `json:"snapshot"`
}

// LiveMirror：<slug>/live/current.json，仅由已发布且启用的保存写入
type LiveMirror struct {
	VersionID    string          `json:"versionId"`
	Path         string          `json:"path"`
	Snapshot     *Snapshot       `json:"snapshot"`
	MirroredFrom channel.Channel `json:"mirroredFrom"`
}

func IndexKey(slug string) string { return slug + "/index.json" }

func VersionKey(slug, versionID string) string {
	return slug + "/versions/" + versionID + ".json"
}

func CurrentKey(slug string, ch channel.Channel) string {
	return slug + "/" + CurrentRelPath(ch)
}

// CurrentRelPath：索引中记录的相对路径（相对 <slug>/）
func CurrentRelPath(ch channel.Channel) string { return string(ch) + "/current.json" }

func LiveKey(slug string) string { return slug + "/live/current.json" }

func HealthKey() string { return "_health/ok.json" }

var (
	ErrInvalidSlug      = errors.New("invalid slug")
	ErrInvalidVersionID = errors.New("invalid version id")
	// ErrCorruptCenter：settings.map.center 存在但无法解析为合法坐标
	ErrCorruptCenter = errors.New("map center is present but unreadable")
)

var (
	slugRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	versionRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// NormalizeSlug：去空白并转小写；结果必须能安全地作为键前缀
func NormalizeSlug(s string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(s))
	if slug == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSlug)
	}
	if len(slug) > 128 || !slugRe.MatchString(slug) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlug, s)
	}
	return slug, nil
}

func ValidVersionID(id string) bool {
	return versionRe.MatchString(id) && id != "." && id != ".."
}

func mapAt(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key].(map[string]any)
	return v, ok
}

// Center：读取 settings.map.center，兼容旧字段 settings.map.centerLat/centerLng
// found=false 表示没有中心点；center 存在但不可用时返回 ErrCorruptCenter
func Center(s *Snapshot) (jsontree.LatLng, bool, error) {
	m, ok := mapAt(s.Settings, "map")
	if !ok {
		return jsontree.LatLng{}, false, nil
	}
	if raw, present := m["center"]; present && raw != nil {
		c, ok := raw.(map[string]any)
		if !ok {
			return jsontree.LatLng{}, true, ErrCorruptCenter
		}
		lat, ok1 := jsontree.Number(c["lat"])
		lng, ok2 := jsontree.Number(c["lng"])
		if !ok1 || !ok2 || !jsontree.InRange(lat, lng) {
			return jsontree.LatLng{}, true, ErrCorruptCenter
		}
		return jsontree.LatLng{Lat: lat, Lng: lng}, true, nil
	}
	lat, ok1 := jsontree.Number(m["centerLat"])
	lng, ok2 := jsontree.Number(m["centerLng"])
	if ok1 && ok2 && jsontree.InRange(lat, lng) {
		return jsontree.LatLng{Lat: lat, Lng: lng}, true, nil
	}
	return jsontree.LatLng{}, false, nil
}

// SetCenter：写入 settings.map.center；旧字段存在时一并更新
func SetCenter(s *Snapshot, c jsontree.LatLng) {
	if s.Settings == nil {
		s.Settings = map[string]any{}
	}
	m, ok := mapAt(s.Settings, "map")
	if !ok {
		m = map[string]any{}
		s.Settings["map"] = m
	}
	m["center"] = map[string]any{"lat": c.Lat, "lng": c.Lng}
	if _, legacy := m["centerLat"]; legacy {
		m["centerLat"] = c.Lat
		m["centerLng"] = c.Lng
	}
}
