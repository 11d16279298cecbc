package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/events"
	"Agent-Sandbox/internal/observability/metrics"
	"Agent-Sandbox/internal/tools"
	"Agent-Sandbox/internal/turn"
	"Agent-Sandbox/pkg/logger"
)

// Server 负责暴露 REST 与 websocket 接口。
type Server struct {
	addr            string
	store           conversation.Store
	jobs            *turn.Service
	registry        *tools.Registry
	fanout          *events.Fanout
	metrics         *metrics.Metrics
	waitTimeout     time.Duration
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	allowedOrigins  []string
	log             *slog.Logger
	router          *gin.Engine
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTools 开启 GET /api/v1/tools。
func WithTools(registry *tools.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithEvents 开启会话事件的 websocket 推送。
func WithEvents(fanout *events.Fanout) Option {
	return func(s *Server) { s.fanout = fanout }
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithWaitTimeout 设置 ?wait=true 时的最长等待时间。
func WithWaitTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.waitTimeout = timeout
		}
	}
}

// WithPollInterval 设置等待作业完成时的轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的超时时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// WithAllowedOrigins 设置允许建立 websocket 连接的跨域来源，"*" 表示任意来源。
// 未设置时只接受同源请求与不带 Origin 头的非浏览器客户端。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = append(s.allowedOrigins, origins...) }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, store conversation.Store, jobs *turn.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		store:           store,
		jobs:            jobs,
		waitTimeout:     2 * time.Minute,
		pollInterval:    200 * time.Millisecond,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	if s.metrics != nil {
		r.Use(s.metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1")
	v1.GET("/tools", s.handleTools)
	v1.GET("/conversations", s.handleListConversations)
	v1.POST("/conversations", s.handleCreateConversation)
	v1.GET("/conversations/:id", s.handleGetConversation)
	v1.DELETE("/conversations/:id", s.handleDeleteConversation)
	v1.POST("/conversations/:id/messages", s.handleSubmitMessage)
	v1.GET("/conversations/:id/jobs", s.handleListJobs)
	v1.GET("/conversations/:id/events", s.handleEvents)
	v1.GET("/jobs/:id", s.handleGetJob)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("请求完成",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.jobs != nil {
		if stats, err := s.jobs.Stats(c.Request.Context()); err == nil {
			body["jobs"] = stats
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleTools(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusOK, []tools.Descriptor{})
		return
	}
	descriptors, err := s.registry.Descriptors()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptors)
}
