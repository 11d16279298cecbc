// Package metrics 基于 Prometheus 采集推理调用、工具执行、对话轮次与 HTTP 请求的指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Agent-Sandbox/internal/agent"
	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/internal/tools"
)

const namespace = "agentd"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics 持有一个私有注册表，避免与进程内其他 Prometheus 使用方冲突。
type Metrics struct {
	registry *prometheus.Registry

	llmCalls    *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	toolCalls   *prometheus.CounterVec
	toolLatency *prometheus.HistogramVec
	turns       *prometheus.CounterVec
	turnLatency *prometheus.HistogramVec
	httpCalls   *prometheus.CounterVec
	httpErrors  *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Reasoning service calls by operation and error code.",
		}, []string{"operation", "code"}),
		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Reasoning service call latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"operation"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"tool"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "total",
			Help:      "Conversation turns by route and error code.",
		}, []string{"route", "code"}),
		turnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "duration_seconds",
			Help:      "Conversation turn latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"route"}),
		httpCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

// errorCode 返回错误的标签值，nil 记为 ok。
func errorCode(err error) string {
	if err == nil {
		return "ok"
	}
	return string(xerrors.CodeOf(err))
}

// ObserveLLMCall 记录一次推理调用。
func (m *Metrics) ObserveLLMCall(operation string, elapsed time.Duration, err error) {
	m.llmCalls.WithLabelValues(operation, errorCode(err)).Inc()
	m.llmLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// LLMObserver 适配 llm.Pool 的观察者。
func (m *Metrics) LLMObserver() llm.Observer {
	return m.ObserveLLMCall
}

// ToolObserver 适配工具注册表的观察者。预览与输入错误不计入耗时直方图。
func (m *Metrics) ToolObserver() tools.Observer {
	return func(tool string, outcome tools.Outcome, elapsed time.Duration) {
		m.toolCalls.WithLabelValues(tool, string(outcome)).Inc()
		if outcome == tools.OutcomeExecuted || outcome == tools.OutcomeFailed {
			m.toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
		}
	}
}

// TurnObserver 适配引擎的轮次观察者。
func (m *Metrics) TurnObserver() agent.TurnObserver {
	return func(route agent.Route, elapsed time.Duration, err error) {
		label := string(route)
		if label == "" {
			label = "none"
		}
		m.turns.WithLabelValues(label, errorCode(err)).Inc()
		m.turnLatency.WithLabelValues(label).Observe(elapsed.Seconds())
	}
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpCalls.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// GinMiddleware 以路由模板为 handler 标签记录请求，未匹配的路由记为 unmatched。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		m.ObserveHTTPRequest(handler, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
