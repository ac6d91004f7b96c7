package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Metrics struct {
	registry *prometheus.Registry

	apiRequests  *prometheus.CounterVec
	apiLatency   *prometheus.HistogramVec
	llmRequests  *prometheus.CounterVec
	llmLatency   *prometheus.HistogramVec
	llmTokens    *prometheus.CounterVec
	stageRuns    *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	stageItems   *prometheus.CounterVec
	jobRuns      *prometheus.CounterVec
	jobLatency   *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	backlog      *prometheus.GaugeVec
	failed       *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
	redisUp      prometheus.Gauge
	redisPing    prometheus.Gauge
}

var (
	initMu   sync.Mutex
	instance *Metrics
)

// Current returns the process-wide metrics, or nil when metrics are disabled.
// Every method is nil-safe.
func Current() *Metrics {
	initMu.Lock()
	defer initMu.Unlock()
	return instance
}

// Init builds the registry once. Later calls return the first instance.
func Init(log *logger.Logger, namespace string) *Metrics {
	initMu.Lock()
	defer initMu.Unlock()
	if instance != nil {
		return instance
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "smriti"
	}
	m := newMetrics(namespace)
	instance = m
	if log != nil {
		log.Info("Observability metrics enabled", "namespace", namespace)
	}
	return m
}

// reset drops the singleton. Tests only.
func reset() {
	initMu.Lock()
	instance = nil
	initMu.Unlock()
}

func newMetrics(ns string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "api_requests_total", Help: "Ops API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "api_request_duration_seconds", Help: "Ops API latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "llm_requests_total", Help: "LLM requests by model/endpoint/status.",
		}, []string{"model", "endpoint", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "llm_request_duration_seconds", Help: "LLM request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model", "endpoint"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "llm_tokens_total", Help: "LLM tokens by model/direction.",
		}, []string{"model", "direction"}),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "stage_runs_total", Help: "Pipeline stage runs by stage/status.",
		}, []string{"stage", "status"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "stage_run_duration_seconds", Help: "Pipeline stage run duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		stageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "stage_items_total", Help: "Items handled by pipeline stages by outcome.",
		}, []string{"stage", "outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "job_runs_total", Help: "Worker job runs by job type/status.",
		}, []string{"job_type", "status"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "job_run_duration_seconds", Help: "Worker job run duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"job_type"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "circuit_breaker_state", Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "graph_rows", Help: "Graph rows by table/processing state.",
		}, []string{"table", "state"}),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "graph_rows_failed", Help: "Terminal-failed graph rows by table.",
		}, []string{"table"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "job_queue_depth", Help: "Job queue depth by status.",
		}, []string{"status"}),
		redisUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "redis_up", Help: "Redis connectivity (1=up, 0=down).",
		}),
		redisPing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "redis_ping_seconds", Help: "Redis ping latency in seconds.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests, m.apiLatency,
		m.llmRequests, m.llmLatency, m.llmTokens,
		m.stageRuns, m.stageLatency, m.stageItems,
		m.jobRuns, m.jobLatency,
		m.breakerState, m.backlog, m.failed, m.queueDepth,
		m.redisUp, m.redisPing,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(dur.Seconds())
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model = orUnknown(model)
	m.llmRequests.WithLabelValues(model, endpoint, status).Inc()
	m.llmLatency.WithLabelValues(model, endpoint).Observe(dur.Seconds())
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) ObserveStageRun(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageRuns.WithLabelValues(stage, status).Inc()
	m.stageLatency.WithLabelValues(stage).Observe(dur.Seconds())
}

func (m *Metrics) AddStageItems(stage, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stageItems.WithLabelValues(stage, outcome).Add(float64(n))
}

func (m *Metrics) ObserveJob(jobType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(orUnknown(jobType), status).Inc()
	m.jobLatency.WithLabelValues(orUnknown(jobType)).Observe(dur.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// StartBacklogCollector polls row counts per processing state for the graph
// tables and the job queue until ctx is done.
func (m *Metrics) StartBacklogCollector(ctx context.Context, log *logger.Logger, db *gorm.DB, interval time.Duration) {
	if m == nil || db == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	tables := []struct {
		name  string
		model any
	}{
		{"graph_node", &types.Node{}},
		{"graph_edge", &types.Edge{}},
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, t := range tables {
				var rows []struct {
					ProcessingState string
					N               int64
				}
				if err := db.WithContext(ctx).Model(t.model).
					Select("processing_state, COUNT(*) AS n").
					Group("processing_state").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: backlog query failed", "table", t.name, "error", err)
					}
					continue
				}
				for _, row := range rows {
					m.backlog.WithLabelValues(t.name, row.ProcessingState).Set(float64(row.N))
				}
				var failed int64
				if err := db.WithContext(ctx).Model(t.model).Where("failed_at IS NOT NULL").Count(&failed).Error; err == nil {
					m.failed.WithLabelValues(t.name).Set(float64(failed))
				}
			}

			var jobs []struct {
				Status string
				N      int64
			}
			if err := db.WithContext(ctx).Model(&types.JobRun{}).
				Select("status, COUNT(*) AS n").
				Group("status").
				Scan(&jobs).Error; err != nil {
				if log != nil {
					log.Warn("metrics: job queue depth query failed", "error", err)
				}
				continue
			}
			m.queueDepth.Reset()
			for _, row := range jobs {
				m.queueDepth.WithLabelValues(orUnknown(row.Status)).Set(float64(row.N))
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.UniversalClient, interval time.Duration) {
	if m == nil || rdb == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
