package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"Agent-Sandbox/internal/conversation"
	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/turn"
)

// ErrorResponse 是所有错误响应的格式。Retryable 为真时调用方可以原样重试，
// Details 来自错误附带的上下文。
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Retryable bool              `json:"retryable,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// CreateConversationRequest 是 POST /conversations 的请求体。
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// SubmitMessageRequest 是 POST /conversations/:id/messages 的请求体。
type SubmitMessageRequest struct {
	Message string `json:"message"`
}

// SubmitMessageResponse 在 ?wait=true 时返回作业与处理后的会话。
type SubmitMessageResponse struct {
	Job          *turn.Job                  `json:"job"`
	Conversation *conversation.Conversation `json:"conversation,omitempty"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := xerrors.HTTPStatusOf(err)
	if status == 0 || status == http.StatusOK {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	resp := ErrorResponse{Error: err.Error(), Code: string(xerrors.CodeOf(err))}
	if e, ok := xerrors.From(err); ok {
		resp.Retryable = e.Retryable()
		resp.Details = e.Metadata()
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: message, Code: string(xerrors.CodeInvalidArgument)})
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "会话 ID 无效")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListConversations(c *gin.Context) {
	summaries, err := s.store.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if summaries == nil {
		summaries = []conversation.Summary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "请求体解析失败")
			return
		}
	}
	conv, err := conversation.Create(c.Request.Context(), s.store, req.Title)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := s.store.Load(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSubmitMessage 把消息包装为作业入队。默认返回 202，?wait=true 时等待处理完成。
func (s *Server) handleSubmitMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		badRequest(c, "message 不能为空")
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.Load(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	if s.jobs == nil {
		s.writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	job, err := s.jobs.Submit(ctx, turn.Request{ConversationID: id, Text: req.Message})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, job)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	done, err := s.jobs.WaitUntilCompleted(waitCtx, job.ID, s.pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusAccepted, SubmitMessageResponse{Job: job})
			return
		}
		s.writeError(c, err)
		return
	}
	if done.Status == turn.StatusFailed {
		status := xerrors.AttributesOf(xerrors.Code(done.ErrorCode)).HTTPStatus
		if status == 0 || status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		c.JSON(status, SubmitMessageResponse{Job: done})
		return
	}
	conv, err := s.store.Load(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SubmitMessageResponse{Job: done, Conversation: conv})
}

func (s *Server) handleListJobs(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if s.jobs == nil {
		c.JSON(http.StatusOK, []*turn.Job{})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := s.jobs.List(c.Request.Context(), turn.WithConversation(id), turn.WithLimit(limit))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleGetJob(c *gin.Context) {
	if s.jobs == nil {
		s.writeError(c, turn.ErrJobNotFound)
		return
	}
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
