// Package metrics Prometheus 指标导出
//
// 每个 Metrics 实例持有独立的 prometheus.Registry，测试中可以重复创建而不会重复注册。
// 所有 Record* / Set* 方法对 nil 接收者安全，未启用指标时调用方无需判空。
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 协调器全部指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 实体数量
	AgentsTotal     *prometheus.GaugeVec
	TasksTotal      *prometheus.GaugeVec
	ExecutionsTotal *prometheus.GaugeVec

	// 调度器指标
	DispatchTicksTotal    prometheus.Counter
	DispatchAssigned      *prometheus.CounterVec
	DispatchTickDuration  prometheus.Histogram
	TaskResultsTotal      *prometheus.CounterVec
	SweepReclaimedTotal   prometheus.Counter
	SweepOfflineTotal     prometheus.Counter
	CommandsEnqueuedTotal *prometheus.CounterVec

	// 场景执行指标
	ExecutionOutcomes *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     prometheus.Counter
}

// New 创建指标实例
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		AgentsTotal: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents",
				Help:      "Registered agents by status",
			},
			[]string{"status"},
		),
		TasksTotal: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks",
				Help:      "Tasks by status",
			},
			[]string{"status"},
		),
		ExecutionsTotal: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions",
				Help:      "Scenario executions by status",
			},
			[]string{"status"},
		),
		DispatchTicksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_ticks_total",
				Help:      "Total dispatch ticks",
			},
		),
		DispatchAssigned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_assigned_total",
				Help:      "Tasks assigned by strategy reason",
			},
			[]string{"reason"},
		),
		DispatchTickDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_tick_duration_seconds",
				Help:      "Dispatch tick duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		TaskResultsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_results_total",
				Help:      "Task results reported by agents",
			},
			[]string{"status"},
		),
		SweepReclaimedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_reclaimed_tasks_total",
				Help:      "Tasks returned to pending after their agent went offline",
			},
		),
		SweepOfflineTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_offline_agents_total",
				Help:      "Agents marked offline by the liveness sweep",
			},
		),
		CommandsEnqueuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_enqueued_total",
				Help:      "Control commands pushed to agent mailboxes",
			},
			[]string{"kind"},
		),
		ExecutionOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_outcomes_total",
				Help:      "Finished scenario executions by terminal status",
			},
			[]string{"status"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Scenario execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
		WSMessagesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_messages_total",
				Help:      "Total WebSocket messages sent",
			},
		),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware 创建 HTTP 指标中间件
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap 供 http.ResponseController 与 websocket 升级访问底层连接
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// idSegments 路径中紧跟 ID 的集合名
var idSegments = map[string]bool{
	"agents":     true,
	"tasks":      true,
	"scenarios":  true,
	"executions": true,
	"scripts":    true,
}

// normalizePath 规范化路径，将 ID 替换为占位符，避免高基数
//
//	/api/v1/tasks/task-123/cancel -> /api/v1/tasks/{id}/cancel
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if idSegments[parts[i-1]] && parts[i] != "" {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// ============================================================================
// 记录方法（nil 安全）
// ============================================================================

// RecordDispatchTick 记录一次调度周期
func (m *Metrics) RecordDispatchTick(duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTicksTotal.Inc()
	m.DispatchTickDuration.Observe(duration.Seconds())
}

// RecordAssignment 记录一次任务分配
func (m *Metrics) RecordAssignment(reason string) {
	if m == nil {
		return
	}
	m.DispatchAssigned.WithLabelValues(reason).Inc()
}

// RecordTaskResult 记录 Agent 上报的结果
func (m *Metrics) RecordTaskResult(status string) {
	if m == nil {
		return
	}
	m.TaskResultsTotal.WithLabelValues(status).Inc()
}

// RecordSweep 记录一次扫描的离线与回收数量
func (m *Metrics) RecordSweep(offline, reclaimed int) {
	if m == nil {
		return
	}
	m.SweepOfflineTotal.Add(float64(offline))
	m.SweepReclaimedTotal.Add(float64(reclaimed))
}

// RecordCommand 记录一条入队的控制指令
func (m *Metrics) RecordCommand(kind string) {
	if m == nil {
		return
	}
	m.CommandsEnqueuedTotal.WithLabelValues(kind).Inc()
}

// RecordExecutionFinished 记录场景执行结束
func (m *Metrics) RecordExecutionFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionOutcomes.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetAgentsCount 设置各状态 Agent 数量
func (m *Metrics) SetAgentsCount(counts map[string]int) {
	if m == nil {
		return
	}
	setGaugeVec(m.AgentsTotal, counts)
}

// SetTasksCount 设置各状态任务数量
func (m *Metrics) SetTasksCount(counts map[string]int) {
	if m == nil {
		return
	}
	setGaugeVec(m.TasksTotal, counts)
}

// SetExecutionsCount 设置各状态执行数量
func (m *Metrics) SetExecutionsCount(counts map[string]int) {
	if m == nil {
		return
	}
	setGaugeVec(m.ExecutionsTotal, counts)
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Dec()
}

// RecordWSMessage 记录一条推送的 WebSocket 消息
func (m *Metrics) RecordWSMessage() {
	if m == nil {
		return
	}
	m.WSMessagesTotal.Inc()
}

func setGaugeVec(v *prometheus.GaugeVec, counts map[string]int) {
	v.Reset()
	for status, n := range counts {
		v.WithLabelValues(status).Set(float64(n))
	}
}
