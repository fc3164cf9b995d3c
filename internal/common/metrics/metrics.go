// Package metrics exposes execution metrics in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"runbox/internal/execution/model"
	appErr "runbox/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runbox"

// Occupancy reports slot and queue usage.
type Occupancy func() (busy, size, queued int)

// Metrics records job outcomes. It satisfies the dispatcher's Observer.
type Metrics struct {
	registry *prometheus.Registry

	executions *prometheus.CounterVec
	rejections *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	cpuTime    *prometheus.HistogramVec
	memory     *prometheus.HistogramVec
	truncated  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry. occupancy may be nil.
func New(occupancy Occupancy) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Admitted executions by language and final state.",
		}, []string{"language", "state"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests rejected before execution by language and error code.",
		}, []string{"language", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_ms",
			Help:      "Wall time of admitted executions in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}, []string{"language"}),
		cpuTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_cpu_ms",
			Help:      "CPU time of the run phase in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"language"}),
		memory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_memory_kb",
			Help:      "Peak memory of the run phase in KB.",
			Buckets:   []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288},
		}, []string{"language"}),
		truncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_truncated_total",
			Help:      "Executions whose output hit the capture cap.",
		}, []string{"language"}),
	}
	reg.MustRegister(
		m.executions, m.rejections, m.duration, m.cpuTime, m.memory, m.truncated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if occupancy != nil {
		reg.MustRegister(
			gaugeFunc("slots_busy", "Worker slots currently running a job.", occupancy, 0),
			gaugeFunc("slots_total", "Size of the worker slot pool.", occupancy, 1),
			gaugeFunc("queue_depth", "Jobs waiting for a worker slot.", occupancy, 2),
		)
	}
	return m
}

// gaugeFunc exposes field i of the occupancy triple.
func gaugeFunc(name, help string, occupancy Occupancy, i int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 {
		busy, size, queued := occupancy()
		return float64([3]int{busy, size, queued}[i])
	})
}

// ObserveResult records one finished job.
func (m *Metrics) ObserveResult(ctx context.Context, res model.ExecutionResult) {
	m.executions.WithLabelValues(res.Language, string(res.State)).Inc()
	m.duration.WithLabelValues(res.Language).Observe(float64(res.DurationMs))
	if res.CPUTimeMs > 0 {
		m.cpuTime.WithLabelValues(res.Language).Observe(float64(res.CPUTimeMs))
	}
	if res.MemoryKB > 0 {
		m.memory.WithLabelValues(res.Language).Observe(float64(res.MemoryKB))
	}
	if res.Truncated {
		m.truncated.WithLabelValues(res.Language).Inc()
	}
}

// ObserveRejected records a request that never ran.
func (m *Metrics) ObserveRejected(ctx context.Context, language string, code appErr.ErrorCode) {
	m.rejections.WithLabelValues(language, strconv.Itoa(int(code))).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
