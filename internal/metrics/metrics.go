package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecfg_operations_total",
		Help: "Pipeline operations by name and outcome",
	}, []string{"op", "outcome"})
	OperationDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gamecfg_operation_duration_ms",
		Help:    "Pipeline operation duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	}, []string{"op"})
	StoreRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecfg_store_requests_total",
		Help: "Object store calls by backend, method and outcome",
	}, []string{"backend", "method", "outcome"})
	StoreDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gamecfg_store_duration_ms",
		Help:    "Object store call duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"backend", "method"})
	IndexConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecfg_index_conflicts_total",
		Help: "Conditional index writes that lost a race",
	})
	CorruptDocumentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecfg_corrupt_documents_total",
		Help: "Stored documents that failed to parse",
	})
	RewrittenRefsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecfg_rewritten_refs_total",
		Help: "Channel-scoped references rewritten on promotion",
	})
	PinsMovedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecfg_pins_moved_total",
		Help: "Coordinates rewritten by recenter, by mode",
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDurationMs)
	prometheus.MustRegister(StoreRequestsTotal)
	prometheus.MustRegister(StoreDurationMs)
	prometheus.MustRegister(IndexConflictsTotal)
	prometheus.MustRegister(CorruptDocumentsTotal)
	prometheus.MustRegister(RewrittenRefsTotal)
	prometheus.MustRegister(PinsMovedTotal)
}

// 文档注释：返回 Prometheus 指标监听器，在主入口挂载到 <API_BASE>/metrics
func Handler() http.Handler { return promhttp.Handler() }
