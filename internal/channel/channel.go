// 包 channel：发布轨道（draft/published）枚举与统一归一化
package channel

import (
	"fmt"
	"strings"
)

// Channel：配置的发布轨道
type Channel string

const (
	Draft     Channel = "draft"
	Published Channel = "published"
)

// All：全部合法轨道，按发布顺序排列
var All = []Channel{Draft, Published}

// Normalize：把任意输入归一化为 draft/published
// 约束：数组取首元素；转小写并去空白；仅精确等于 "published" 时返回 Published，其余一律 Draft。
// 所有跨边界的轨道值（HTTP 参数、请求体、存储文档）都必须经过此函数，保证规则一致。
func Normalize(v any) Channel {
	return NormalizeOr(v, Draft)
}

// NormalizeOr：同 Normalize，但缺省值（nil、空串、空数组）回退到 fallback
func NormalizeOr(v any, fallback Channel) Channel {
	raw, ok := first(v)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = string(fallback)
	}
	if strings.ToLower(strings.TrimSpace(raw)) == string(Published) {
		return Published
	}
	return Draft
}

func first(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case Channel:
		return string(x), true
	case string:
		return x, true
	case []string:
		if len(x) == 0 {
			return "", false
		}
		return x[0], true
	case []any:
		if len(x) == 0 {
			return "", false
		}
		return first(x[0])
	case fmt.Stringer:
		return x.String(), true
	}
	return fmt.Sprint(v), true
}

// Valid：精确判断是否为合法轨道名（用于索引文档的键校验，不做归一化）
func Valid(s string) bool {
	return s == string(Draft) || s == string(Published)
}

func (c Channel) String() string { return string(c) }

// UnmarshalText：JSON 解码时同样走 Normalize
func (c *Channel) UnmarshalText(b []byte) error {
	*c = Normalize(string(b))
	return nil
}
