// 包 rewrite：发布时把草稿素材引用改写为已发布路径
// 背景：草稿阶段素材上传在 draft/<pool>/ 下（也有旧数据写成 <pool>/draft/），发布后的快照必须
// 指向 published/<pool>/，否则线上会读到草稿素材。
// 约束：只改字符串叶子，不改对象键；按 "/" 分段匹配相邻两段，避免 olddraft/<pool> 之类的子串误伤；
// 反复替换直到不再命中，因此多次改写结果相同。
package rewrite

import "strings"

const DefaultPool = "mediapool"

type Rewriter struct {
	pool string
}

func New(pool string) *Rewriter {
	pool = strings.Trim(strings.TrimSpace(pool), "/")
	if pool == "" || strings.Contains(pool, "/") {
		pool = DefaultPool
	}
	return &Rewriter{pool: pool}
}

func (r *Rewriter) Pool() string { return r.pool }

// String：改写单个字符串，返回新值与是否变化
func (r *Rewriter) String(s string) (string, bool) {
	if !strings.Contains(s, "draft") || !strings.Contains(s, r.pool) {
		return s, false
	}
	segs := strings.Split(s, "/")
	changed := false
	for {
		hit := false
		for i := 0; i+1 < len(segs); i++ {
			a, b := segs[i], segs[i+1]
			if (a == "draft" && b == r.pool) || (a == r.pool && b == "draft") {
				segs[i], segs[i+1] = "published", r.pool
				hit = true
			}
		}
		if !hit {
			break
		}
		changed = true
	}
	if !changed {
		return s, false
	}
	return strings.Join(segs, "/"), true
}

// Rewrite：返回改写后的深拷贝与变化的叶子数；输入不被修改
func (r *Rewriter) Rewrite(doc any) (any, int) {
	n := 0
	out := r.walk(doc, &n)
	return out, n
}

func (r *Rewriter) walk(v any, n *int) any {
	switch t := v.(type) {
	case string:
		s, ok := r.String(t)
		if ok {
			*n++
		}
		return s
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = r.walk(x, n)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = r.walk(x, n)
		}
		return out
	}
	return v
}
