package utils

import (
	"database/sql"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// PGOptions：PostgreSQL 连接参数
type PGOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	DB       string
	SSLMode  string
	MaxOpen  int
	MaxIdle  int
}

// BuildPostgresDSN：由参数拼出 postgres:// DSN，缺省项回退到本地开发值
func BuildPostgresDSN(o PGOptions) string {
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == 0 {
		port = 5432
	}
	user := o.User
	if user == "" {
		user = "postgres"
	}
	db := o.DB
	if db == "" {
		db = "gamecfg"
	}
	ssl := o.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + db,
		RawQuery: "sslmode=" + url.QueryEscape(ssl),
	}
	if o.Password != "" {
		u.User = url.UserPassword(user, o.Password)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func OpenPostgres(o PGOptions) (*sql.DB, error) {
	db, err := sql.Open("postgres", BuildPostgresDSN(o))
	if err != nil {
		return nil, err
	}
	maxOpen, maxIdle := o.MaxOpen, o.MaxIdle
	if maxOpen <= 0 {
		maxOpen = 50
	}
	if maxIdle <= 0 {
		maxIdle = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return db, nil
}

// OpenSQLite：打开（必要时创建）SQLite 数据库文件
// 约束：单连接串行写入，WAL 模式与 busy_timeout 减少并发读写时的 SQLITE_BUSY
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
