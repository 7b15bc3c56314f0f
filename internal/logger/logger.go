// 包 logger：统一初始化与获取日志器，避免各模块重复配置；级别与格式来自配置或环境变量
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
)

// Options：日志器参数
// 约束：Level 取 debug/info/warn/error，其他值按 info 处理；Format 为 json 时输出 JSON，否则为文本
type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New：按参数构建日志器，不修改进程级默认日志器
func New(o Options) *slog.Logger {
	out := o.Out
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: parseLevel(o.Level)}
	var h slog.Handler
	if strings.ToLower(o.Format) == "json" {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}
	return slog.New(h)
}

// SetupWith：初始化默认日志器
// 背景：入口读取配置后调用一次；后续各包通过 L() 共享同一实例
func SetupWith(o Options) *slog.Logger {
	l := New(o)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	return l
}

// Setup：按环境变量 LOG_LEVEL / LOG_FORMAT 初始化默认日志器
func Setup() *slog.Logger {
	return SetupWith(Options{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})
}

// L：获取默认日志器；未初始化时回退到 Setup
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return Setup()
	}
	return l
}

// Discard：丢弃全部输出的日志器，供测试注入
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
