// Package metrics 以 Prometheus 格式暴露流水线指标。
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 持有独立的 Registry，不污染默认注册表。
type Recorder struct {
	registry *prometheus.Registry

	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	activeRuns    prometheus.Gauge
	queueDepth    prometheus.Gauge
	rejected      *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() (*Recorder, error) {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.stagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postureguard_stage_total",
			Help: "Pipeline stages executed, by stage and outcome (success, degraded, fatal)",
		},
		[]string{"stage", "outcome"},
	)
	r.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postureguard_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"stage"},
	)
	r.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postureguard_runs_total",
			Help: "Finished pipeline runs by terminal status",
		},
		[]string{"status"},
	)
	r.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "postureguard_run_duration_seconds",
		Help:    "End-to-end pipeline run duration in seconds",
		Buckets: []float64{0.1, 1, 5, 15, 60, 120, 300, 600},
	})
	r.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postureguard_active_runs",
		Help: "Pipeline runs currently executing",
	})
	r.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postureguard_queue_depth",
		Help: "Sessions admitted and waiting for a worker",
	})
	r.rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postureguard_admission_rejected_total",
			Help: "Submissions rejected by admission control",
		},
		[]string{"reason"},
	)

	collectors := []prometheus.Collector{
		r.stagesTotal,
		r.stageDuration,
		r.runsTotal,
		r.runDuration,
		r.activeRuns,
		r.queueDepth,
		r.rejected,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return r, nil
}

// StageDone 记录单个阶段的结果与耗时。
func (r *Recorder) StageDone(stage, outcome string, d time.Duration) {
	r.stagesTotal.WithLabelValues(stage, outcome).Inc()
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RunDone 记录一次运行的终态。
func (r *Recorder) RunDone(status string, d time.Duration) {
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(d.Seconds())
}

func (r *Recorder) SetActive(n int) { r.activeRuns.Set(float64(n)) }
func (r *Recorder) SetQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

// Rejected 记录被拒绝的提交。
func (r *Recorder) Rejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

// Registry 暴露底层注册表，便于测试读取。
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler 返回 /metrics 处理器。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
