// Package meetingsim 模拟会议后端: 按轮次驱动多个 agent 发言, 通过 WebSocket、SSE 与 REST
// 暴露实时事件、状态与权威快照。用于端到端测试与本地演示。
package meetingsim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

// Options 模拟后端参数。
type Options struct {
	Agents     []string
	MaxRounds  int           // 新建会议默认轮数
	MessageGap time.Duration // 相邻两次发言的间隔
	KeepAlive  time.Duration // SSE 心跳间隔
}

func (o *Options) defaults() {
	if len(o.Agents) == 0 {
		o.Agents = []string{"Ada", "Linus", "Grace"}
	}
	if o.MaxRounds < 1 {
		o.MaxRounds = 3
	}
	if o.MessageGap < 0 {
		o.MessageGap = 0
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
}

// Server 模拟后端 HTTP 服务。
type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*room
	httpS *http.Server
	wg    sync.WaitGroup
}

// NewServer 创建模拟后端。
func NewServer(opts Options) *Server {
	opts.defaults()
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s := &Server{
		opts:   opts,
		router: r,
		rooms:  make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// ListenAndServe 阻塞监听 addr, 直到 Shutdown。
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpS = srv
	s.mu.Unlock()
	logger.Info("meetingsim: listening", logger.FieldListen, addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return apperrors.Wrap(err, "meetingsim.ListenAndServe", "listen failed")
	}
	return nil
}

// Shutdown 停止所有运行并关闭 HTTP 服务。
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	s.mu.RLock()
	srv := s.httpS
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Close 中止所有进行中的运行并等待其退出。
func (s *Server) Close() {
	s.mu.RLock()
	for _, r := range s.rooms {
		r.abort()
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

// CreateMeeting 新建会议; id 为空时生成 uuid。
func (s *Server) CreateMeeting(id, topic string, maxRounds int) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if maxRounds < 1 {
		maxRounds = s.opts.MaxRounds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; ok {
		return "", apperrors.Wrapf(apperrors.ErrInvalidInput, "meetingsim.CreateMeeting", "meeting %s exists", id)
	}
	s.rooms[id] = newRoom(id, topic, maxRounds)
	logger.Info("meetingsim: meeting created", logger.FieldMeetingID, id, logger.FieldMaxRounds, maxRounds)
	return id, nil
}

// MeetingIDs 已有会议 id (排序)。
func (s *Server) MeetingIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InjectFailure 下一次运行在首个发言后下发 error 事件; provider 非空表示配额耗尽。
func (s *Server) InjectFailure(id, detail, provider string) error {
	r, ok := s.room(id)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "meetingsim.InjectFailure", "meeting %s", id)
	}
	r.injectFailure(injectedFailure{Detail: detail, Provider: provider})
	return nil
}

// Runs 会议已启动的运行次数。
func (s *Server) Runs(id string) int {
	r, ok := s.room(id)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Subscribers 当前订阅者数量 (SSE + WebSocket)。
func (s *Server) Subscribers(id string) int {
	r, ok := s.room(id)
	if !ok {
		return 0
	}
	return r.subscriberCount()
}

func (s *Server) room(id string) (*room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

// StartRun 启动一次运行 (REST 与 start_round 帧共用)。
func (s *Server) StartRun(id string, run meeting.PendingRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	r, ok := s.room(id)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "meetingsim.StartRun", "meeting %s", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	start, target, err := r.beginRun(run.Rounds, cancel)
	if err != nil {
		cancel()
		return err
	}
	logger.Info("meetingsim: run started",
		logger.FieldMeetingID, id,
		logger.FieldRound, start,
		logger.FieldRounds, run.Rounds,
	)
	s.wg.Add(1)
	util.SafeGo(func() {
		defer s.wg.Done()
		defer cancel()
		s.drive(ctx, r, run, start, target)
	})
	return nil
}

// drive 运行主循环: 每轮每个 agent 先 agent_speaking 再落库消息, 轮末 round_complete。
func (s *Server) drive(ctx context.Context, r *room, run meeting.PendingRun, start, target int) {
	topic := util.FirstNonEmpty(run.Topic, r.topic, "the agenda")
	for round := start + 1; round <= target; round++ {
		for i, name := range s.opts.Agents {
			agentID := fmt.Sprintf("agent-%d", i+1)
			r.publish(meeting.LiveEvent{Kind: meeting.KindSpeaking, AgentID: agentID, AgentName: name, Round: round})
			if !sleepCtx(ctx, s.opts.MessageGap) {
				r.finishRun()
				return
			}
			if f := r.takeFailure(); f != nil {
				logger.Warn("meetingsim: injected failure", logger.FieldMeetingID, r.id, logger.FieldProvider, f.Provider)
				r.failRun(*f)
				return
			}
			r.appendMessage(meeting.Message{
				AgentID:   agentID,
				AgentName: name,
				Role:      "assistant",
				Content:   speech(name, topic, run.Locale, round),
				Round:     round,
			})
		}
		r.completeRound(round)
	}
	r.finishRun()
	logger.Info("meetingsim: run finished", logger.FieldMeetingID, r.id, logger.FieldRound, target)
}

func speech(agent, topic, locale string, round int) string {
	if strings.HasPrefix(strings.ToLower(locale), "zh") {
		return fmt.Sprintf("%s 第 %d 轮: 关于 %s 的看法。", agent, round, topic)
	}
	return fmt.Sprintf("%s, round %d: my take on %s.", agent, round, topic)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// AddUserMessage 追加用户消息并广播。
func (s *Server) AddUserMessage(id, content string) (meeting.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return meeting.Message{}, apperrors.Wrap(apperrors.ErrInvalidInput, "meetingsim.AddUserMessage", "empty content")
	}
	r, ok := s.room(id)
	if !ok {
		return meeting.Message{}, apperrors.Wrapf(apperrors.ErrNotFound, "meetingsim.AddUserMessage", "meeting %s", id)
	}
	r.mu.Lock()
	round := max(r.current, 1)
	if r.running {
		round = min(r.current+1, r.max)
	}
	r.mu.Unlock()
	return r.appendMessage(meeting.Message{AgentID: "user", AgentName: "user", Role: "user", Content: content, Round: round}), nil
}

// requestLogger 为每个请求注入带 trace_id 的日志器, handler 经 logger.FromContext 取用。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := util.FirstNonEmpty(c.GetHeader("X-Request-ID"), uuid.NewString())
		l := logger.With(logger.FieldTraceID, traceID)
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), l))
		c.Header("X-Request-ID", traceID)
		c.Next()
		l.Debug("meetingsim: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.Request.URL.Path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds(),
		)
	}
}
