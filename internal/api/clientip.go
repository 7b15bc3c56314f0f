package api

import (
	"net"
	"net/http"
	"strings"
)

// clientIP：获取请求方 IP（用于 GeoIP 估算地图初始中心）
// 背景：后台常部署在 CDN 或反向代理之后，RemoteAddr 只是最后一跳；按常见代理头顺序取第一个可解析的地址。
// 约束：头部可被伪造，结果只用于估算默认中心，不做鉴权或限流依据。
func clientIP(r *http.Request) net.IP {
	h := r.Header
	for _, name := range []string{"x-forwarded-for", "cf-connecting-ip", "x-real-ip", "x-client-ip"} {
		if x := h.Get(name); x != "" {
			if ip := parseIP(strings.Split(x, ",")[0]); ip != nil {
				return ip
			}
		}
	}
	if x := h.Get("forwarded"); x != "" {
		if i := strings.Index(strings.ToLower(x), "for="); i >= 0 {
			y := x[i+4:]
			if p := strings.IndexAny(y, ";,"); p >= 0 {
				y = y[:p]
			}
			if ip := parseIP(y); ip != nil {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

// parseIP：兼容 "ip"、"ip:port"、"[v6]:port" 与带引号的 Forwarded 取值
func parseIP(s string) net.IP {
	s = strings.Trim(strings.TrimSpace(s), "\"")
	if s == "" {
		return nil
	}
	if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return net.ParseIP(host)
	}
	return nil
}
