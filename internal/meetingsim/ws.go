// ws.go — 双向推送端点: 下行实时帧, 上行 user_message / start_round。
package meetingsim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsMaxFrameSize  = 1 << 20
	wsCloseDeadline = time.Second
)

func (s *Server) wsHandler(c *gin.Context) {
	id := c.Param("id")
	r, ok := s.room(id)
	if !ok {
		notFound(c, "meeting "+id+" not found")
		return
	}
	log := logger.FromContext(c.Request.Context()).With(logger.FieldMeetingID, id)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("meetingsim: ws upgrade failed", logger.FieldError, err)
		return
	}
	conn.SetReadLimit(wsMaxFrameSize)

	clientID, ch, _ := r.subscribe(false)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		r.unsubscribe(clientID)
		_ = conn.Close()
		log.Info("meetingsim: ws client disconnected", logger.FieldID, clientID)
	}()
	log.Info("meetingsim: ws client connected", logger.FieldID, clientID, logger.FieldRemote, c.Request.RemoteAddr)

	util.SafeGo(func() { s.wsWriteLoop(ctx, conn, ch) })
	s.wsReadLoop(id, conn)
}

// wsWriteLoop 唯一写者。
func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, ch <-chan meeting.Frame) {
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(wsCloseDeadline)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case f := <-ch:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(id string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame meeting.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("meetingsim: malformed client frame", logger.FieldMeetingID, id, logger.FieldError, err)
			continue
		}
		switch frame.Type {
		case meeting.FrameUserMessage:
			if _, err := s.AddUserMessage(id, frame.Content); err != nil {
				logger.Warn("meetingsim: user message rejected", logger.FieldMeetingID, id, logger.FieldError, err)
			}
		case meeting.FrameStartRound:
			run := meeting.PendingRun{Rounds: frame.Rounds, Topic: frame.Topic, Locale: frame.Locale}
			if err := s.StartRun(id, run); err != nil {
				logger.Warn("meetingsim: start_round rejected", logger.FieldMeetingID, id, logger.FieldError, err)
			}
		default:
			logger.Debug("meetingsim: unknown client frame", logger.FieldMeetingID, id, logger.FieldEventType, frame.Type)
		}
	}
}
