// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"game-config/internal/api"
	"game-config/internal/config"
	"game-config/internal/geoseed"
	"game-config/internal/logger"
	"game-config/internal/metrics"
	"game-config/internal/middleware"
	"game-config/internal/objstore"
	"game-config/internal/publish"
	"game-config/internal/rewrite"
	"game-config/internal/utils"
	"game-config/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Error("config_error", "err", err)
		os.Exit(1)
	}
	// 日志初始化
	l := logger.SetupWith(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	l.Info("startup", "commit", version.Commit, "backend", cfg.StoreBackend, "bucket", cfg.Bucket, "api_base", cfg.APIBase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bucket, closer, err := objstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		l.Error("store_open_error", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}
	defer closer.Close()
	l.Info("store_open_ok", "backend", cfg.StoreBackend)

	p := publish.New(bucket,
		publish.WithIndexRetries(cfg.IndexRetries),
		publish.WithRewriter(rewrite.New(cfg.MediaPrefix)),
		publish.WithDefaultChannel(cfg.DefaultChannel()),
		publish.WithLogger(l),
	)

	opts := []api.Option{api.WithLogger(l)}
	if cfg.GeoIPCityPath != "" {
		if r, err := geoseed.Open(cfg.GeoIPCityPath); err == nil {
			defer r.Close()
			opts = append(opts, api.WithLocator(r))
		} else {
			// 背景：GeoIP 库只用于估算默认中心，缺失不影响启动
			l.Warn("geoseed_open_error", "path", cfg.GeoIPCityPath, "err", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.APIBase+"/", http.StripPrefix(cfg.APIBase, api.BuildRoutes(p, opts...)))
	mux.Handle(cfg.APIBase+"/metrics", metrics.Handler())

	handler := logger.AccessMiddleware(l)(mux)
	if cfg.RateLimitEnabled {
		handler = middleware.RateLimit(middleware.NewTokenBucket(cfg.RateLimitQPS))(handler)
		l.Info("rate_limit_enabled", "qps", cfg.RateLimitQPS)
	}
	handler = middleware.CORS(handler)

	s := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnable {
			if err := utils.EnsureSelfSignedCert(cfg.TLSCertPath, cfg.TLSKeyPath, "game-config.local", "localhost"); err != nil {
				errCh <- err
				return
			}
			l.Info("listening_tls", "addr", cfg.Addr, "cert", cfg.TLSCertPath)
			errCh <- s.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		l.Info("listening", "addr", cfg.Addr)
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("server_error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		l.Info("shutdown_begin")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			l.Error("shutdown_error", "err", err)
		}
		l.Info("shutdown_ok")
	}
}
