// 包 utils：外部连接工具（PostgreSQL / SQLite / Redis / TLS 证书）
package utils

import (
	"net"
	"strconv"

	"game-config/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisOptions：Redis 连接参数
type RedisOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// OpenRedis：按参数打开 Redis 客户端
// 约束：DB 为负数时回退到 0；未给出主机时使用 127.0.0.1:6379
func OpenRedis(o RedisOptions) *redis.Client {
	host := o.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := o.Port
	if port == 0 {
		port = 6379
	}
	db := o.DB
	if db < 0 {
		db = 0
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger.L().Debug("redis_open", "addr", addr, "db", db)
	return redis.NewClient(&redis.Options{Addr: addr, Password: o.Password, DB: db})
}
