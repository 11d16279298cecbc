package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"Agent-Sandbox/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin 放行没有 Origin 头的请求、同源请求以及白名单中的来源。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	s.log.Warn("拒绝跨域 websocket 请求", slog.String("origin", origin))
	return false
}

// handleEvents 把会话事件以 JSON 帧推送给 websocket 客户端，直到任一方断开。
// 慢客户端的事件会被丢弃，不会阻塞事件总线。
func (s *Server) handleEvents(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.Load(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	if s.fanout == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "事件推送未启用", Code: "EVENTS_DISABLED"})
		return
	}

	ws, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket 升级失败", slog.Any("error", err))
		return
	}
	defer ws.Close()

	sink := events.NewChannelSink(128, events.ForConversation(id), events.DropWhenFull())
	remove := s.fanout.Add(sink)
	defer func() {
		remove()
		_ = sink.Close()
	}()
	log := s.log.With(slog.Int64("conversation_id", id))
	log.Info("事件订阅者已连接")

	// 读循环只用于感知客户端断开。
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			log.Info("事件订阅者已断开")
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case event, ok := <-sink.Events():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(event); err != nil {
				log.Warn("推送事件失败", slog.Any("error", err))
				return
			}
		}
	}
}
