package objstore

import (
	"context"
	"errors"
	"time"

	"game-config/internal/logger"
	"game-config/internal/metrics"
)

type timeoutBucket struct {
	next Bucket
	d    time.Duration
}

// WithTimeout：为每次后端调用附加超时；d<=0 时原样返回
func WithTimeout(b Bucket, d time.Duration) Bucket {
	if d <= 0 {
		return b
	}
	return &timeoutBucket{next: b, d: d}
}

func (t *timeoutBucket) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Put(ctx, key, body, opts...)
}

func (t *timeoutBucket) Get(ctx context.Context, key string) (*Object, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Get(ctx, key)
}

func (t *timeoutBucket) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Ping(ctx)
}

type instrumentedBucket struct {
	next    Bucket
	backend string
}

// Instrument：记录每次调用的结果与耗时（gamecfg_store_*），并输出 debug 日志
func Instrument(b Bucket, backend string) Bucket {
	return &instrumentedBucket{next: b, backend: backend}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "error"
}

func (i *instrumentedBucket) observe(method, key string, start time.Time, err error) {
	o := outcome(err)
	metrics.StoreRequestsTotal.WithLabelValues(i.backend, method, o).Inc()
	metrics.StoreDurationMs.WithLabelValues(i.backend, method).Observe(float64(time.Since(start).Milliseconds()))
	if o == "error" {
		logger.L().Warn("store_call_failed", "backend", i.backend, "method", method, "key", key, "err", err)
		return
	}
	logger.L().Debug("store_call", "backend", i.backend, "method", method, "key", key, "outcome", o)
}

func (i *instrumentedBucket) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	start := time.Now()
	etag, err := i.next.Put(ctx, key, body, opts...)
	i.observe("put", key, start, err)
	return etag, err
}

func (i *instrumentedBucket) Get(ctx context.Context, key string) (*Object, error) {
	start := time.Now()
	o, err := i.next.Get(ctx, key)
	i.observe("get", key, start, err)
	return o, err
}

func (i *instrumentedBucket) Ping(ctx context.Context) error {
	start := time.Now()
	err := i.next.Ping(ctx)
	i.observe("ping", "", start, err)
	return err
}
