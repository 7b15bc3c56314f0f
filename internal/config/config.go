// 包 config：进程配置，来源依次为 .env 文件与环境变量
// 背景：服务与 CLI 共用同一份配置结构，避免两处各自解析环境变量出现默认值分歧
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"game-config/internal/channel"
	"game-config/internal/objstore"
	"game-config/internal/utils"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config：全部配置项；env 标签即环境变量名
type Config struct {
	Addr    string `env:"ADDR" envDefault:":8080"`
	APIBase string `env:"API_BASE" envDefault:"/api"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	StoreBackend      string        `env:"STORE_BACKEND" envDefault:"fs"`
	Bucket            string        `env:"GAME_CONFIG_BUCKET" envDefault:"game-config"`
	DataDir           string        `env:"DATA_DIR" envDefault:"data"`
	SQLitePath        string        `env:"SQLITE_PATH"`
	StoreTimeout      time.Duration `env:"STORE_OP_TIMEOUT" envDefault:"10s"`
	IndexRetries      int           `env:"INDEX_CAS_RETRIES" envDefault:"5"`
	MediaPrefix       string        `env:"MEDIA_PREFIX" envDefault:"mediapool"`
	DefaultChannelRaw string        `env:"DEFAULT_CHANNEL" envDefault:"draft"`

	PGHost     string `env:"PG_HOST" envDefault:"localhost"`
	PGPort     int    `env:"PG_PORT" envDefault:"5432"`
	PGUser     string `env:"PG_USER" envDefault:"postgres"`
	PGPassword string `env:"PG_PASSWORD"`
	PGDB       string `env:"PG_DB" envDefault:"gamecfg"`
	PGSSLMode  string `env:"PG_SSLMODE" envDefault:"disable"`
	PGMaxOpen  int    `env:"PG_MAX_OPEN_CONNS" envDefault:"50"`
	PGMaxIdle  int    `env:"PG_MAX_IDLE_CONNS" envDefault:"25"`

	RedisHost string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPass string `env:"REDIS_PASS"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	GeoIPCityPath string `env:"GEOIP_CITY_PATH"`

	RateLimitEnabled bool    `env:"RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitQPS     float64 `env:"RATE_LIMIT_QPS" envDefault:"20"`

	TLSEnable   bool   `env:"TLS_ENABLE" envDefault:"false"`
	TLSCertPath string `env:"TLS_CERT_PATH" envDefault:"data/tls/cert.pem"`
	TLSKeyPath  string `env:"TLS_KEY_PATH" envDefault:"data/tls/key.pem"`
}

// Load：读取 .env（当前目录与 data/env/.env，均可缺失）后解析环境变量
// 约束：已存在的环境变量优先于 .env 文件中的同名项
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	return Parse()
}

// Parse：只解析当前环境变量，不读取文件（测试使用）
func Parse() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case "fs", "postgres", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("GAME_CONFIG_BUCKET must not be empty")
	}
	if c.IndexRetries < 0 {
		return fmt.Errorf("INDEX_CAS_RETRIES must be >= 0, got %d", c.IndexRetries)
	}
	if c.RateLimitQPS <= 0 {
		c.RateLimitQPS = 20
	}
	if !strings.HasPrefix(c.APIBase, "/") {
		c.APIBase = "/" + c.APIBase
	}
	c.APIBase = strings.TrimRight(c.APIBase, "/")
	return nil
}

// DefaultChannel：DEFAULT_CHANNEL 归一化后的值（新建索引时的 liveChannel）
func (c *Config) DefaultChannel() channel.Channel {
	return channel.NormalizeOr(c.DefaultChannelRaw, channel.Draft)
}

// StoreOptions：转换为 objstore.Open 的参数
func (c *Config) StoreOptions() objstore.Options {
	return objstore.Options{
		Backend: c.StoreBackend,
		Bucket:  c.Bucket,
		DataDir: c.DataDir,
		SQLite:  c.SQLitePath,
		Postgres: utils.PGOptions{
			Host: c.PGHost, Port: c.PGPort, User: c.PGUser, Password: c.PGPassword,
			DB: c.PGDB, SSLMode: c.PGSSLMode, MaxOpen: c.PGMaxOpen, MaxIdle: c.PGMaxIdle,
		},
		Redis:     utils.RedisOptions{Host: c.RedisHost, Port: c.RedisPort, Password: c.RedisPass, DB: c.RedisDB},
		OpTimeout: c.StoreTimeout,
	}
}
