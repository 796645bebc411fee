// handler.go — 模拟后端 REST 路由。
package meetingsim

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
)

// registerRoutes 注册全部路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api/meetings")

	api.GET("", s.listMeetings)
	api.POST("", s.createMeeting)
	api.GET("/:id", s.getConversation)
	api.GET("/:id/status", s.getStatus)
	api.POST("/:id/run", s.triggerRun)
	api.POST("/:id/messages", s.postMessage)
	api.POST("/:id/fail", s.injectFailure)
	api.GET("/:id/stream", s.sseHandler)

	s.router.GET("/ws/meetings/:id", s.wsHandler)
	s.router.GET("/healthz", func(c *gin.Context) { success(c, gin.H{"status": "ok"}) })
}

func (s *Server) listMeetings(c *gin.Context) {
	success(c, s.MeetingIDs())
}

type createMeetingRequest struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	MaxRounds int    `json:"max_rounds"`
}

func (s *Server) createMeeting(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	id, err := s.CreateMeeting(req.ID, req.Topic, req.MaxRounds)
	if err != nil {
		writeError(c, err)
		return
	}
	r, _ := s.room(id)
	created(c, r.conversation())
}

func (s *Server) getConversation(c *gin.Context) {
	r, ok := s.room(c.Param("id"))
	if !ok {
		notFound(c, "meeting "+c.Param("id")+" not found")
		return
	}
	success(c, r.conversation())
}

func (s *Server) getStatus(c *gin.Context) {
	r, ok := s.room(c.Param("id"))
	if !ok {
		notFound(c, "meeting "+c.Param("id")+" not found")
		return
	}
	success(c, r.statusReport())
}

func (s *Server) triggerRun(c *gin.Context) {
	var run meeting.PendingRun
	if err := c.ShouldBindJSON(&run); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if err := s.StartRun(c.Param("id"), run); err != nil {
		writeError(c, err)
		return
	}
	accepted(c, gin.H{"rounds": run.Rounds})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	msg, err := s.AddUserMessage(c.Param("id"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	created(c, msg)
}

type injectFailureRequest struct {
	Detail   string `json:"detail"`
	Provider string `json:"provider"`
}

func (s *Server) injectFailure(c *gin.Context) {
	var req injectFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Detail) == "" {
		req.Detail = "injected failure"
	}
	if err := s.InjectFailure(c.Param("id"), req.Detail, req.Provider); err != nil {
		writeError(c, err)
		return
	}
	success(c, req)
}

// writeError 按哨兵错误映射状态码。
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		notFound(c, err.Error())
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_input", err.Error())
	case errors.Is(err, apperrors.ErrRunInFlight):
		conflict(c, "run_in_flight", err.Error())
	default:
		serverError(c, err)
	}
}
