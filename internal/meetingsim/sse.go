// sse.go — 会议事件流: 先重放进行中运行的事件 (不含发言指示), 再推送实时事件, 空闲时发送 ":" 心跳。
package meetingsim

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/pkg/logger"
)

// sseHandler Gin SSE handler。
func (s *Server) sseHandler(c *gin.Context) {
	id := c.Param("id")
	r, ok := s.room(id)
	if !ok {
		notFound(c, "meeting "+id+" not found")
		return
	}
	log := logger.FromContext(c.Request.Context()).With(logger.FieldMeetingID, id)
	clientID, ch, replay := r.subscribe(true)
	defer func() {
		r.unsubscribe(clientID)
		log.Info("meetingsim: SSE client disconnected", logger.FieldID, clientID)
	}()
	log.Info("meetingsim: SSE client connected", logger.FieldID, clientID,
		logger.FieldCount, len(replay),
	)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	for _, f := range replay {
		// 发言指示不重放
		if f.Type == meeting.FrameAgentSpeaking {
			continue
		}
		c.SSEvent("message", f)
	}
	c.Writer.Flush()

	keepaliveEvery := s.opts.KeepAlive
	c.Stream(func(w io.Writer) bool {
		// 每次等待重新计时, 有事件时推迟心跳
		keepalive := time.NewTimer(keepaliveEvery)
		defer keepalive.Stop()

		select {
		case f := <-ch:
			c.SSEvent("message", f)
			return true
		case <-keepalive.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}
