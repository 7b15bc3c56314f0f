// 包 middleware：HTTP 入口中间件（限流、跨域）
package middleware

import (
	"math"
	"net/http"
	"sync"
	"time"

	"game-config/internal/logger"
)

// TokenBucket：令牌桶限流
// 背景：保存请求体可达数 MB 且每次保存写四个对象，突发流量会直接压到存储后端，入口需要限速。
// 约束：按经过时间连续补充令牌，容量等于每秒速率；不排队，取不到令牌直接返回 429。
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

func NewTokenBucket(qps float64) *TokenBucket {
	if qps <= 0 {
		qps = 1
	}
	c := math.Max(1, qps)
	return &TokenBucket{rate: qps, capacity: c, tokens: c, last: time.Now(), now: time.Now}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t := tb.now()
	if el := t.Sub(tb.last).Seconds(); el > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+el*tb.rate)
		tb.last = t
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimit：超出速率返回 429 与 Retry-After
func RateLimit(tb *TokenBucket) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tb.Allow() {
				logger.L().Debug("rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Retry-After", "1")
				w.Header().Set("content-type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"ok":false,"error":"rate limited"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS：管理后台跨域访问；预检请求直接返回 200
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
