// Package session 会议同步会话: 在同一个事件循环上组装通道、Reconciler 与 RunCoordinator。
package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/multi-agent/meetsync/internal/channel"
	"github.com/multi-agent/meetsync/internal/config"
	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/internal/reconcile"
	"github.com/multi-agent/meetsync/internal/runcoord"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

// Session 单个会议的同步会话。方法可在任意 goroutine 调用 (经事件循环串行化)。
type Session struct {
	id   string
	opts Options
	log  *slog.Logger

	loop   *loop.Loop
	rec    *reconcile.Reconciler
	coord  *runcoord.Coordinator
	push   *channel.PushChannel
	stream *channel.EventStreamChannel
	poll   *channel.PollingChannel
	active channel.LiveChannel

	// 以下字段只在循环上访问
	closed bool
}

// Open 打开会话: 先用本地缓存播种, 再用后端权威快照覆盖。
// 后端不可用且缓存命中时以缓存继续; 二者皆无时返回错误。
func Open(ctx context.Context, opts Options) (*Session, error) {
	opts.MeetingID = strings.TrimSpace(opts.MeetingID)
	if opts.MeetingID == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Session.Open", "meeting id required")
	}
	if opts.Backend == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Session.Open", "backend required")
	}
	opts.defaults()

	s := &Session{
		id:   uuid.NewString(),
		opts: opts,
		loop: loop.New(),
	}
	s.log = logger.With(logger.FieldComponent, "session",
		logger.FieldSessionID, s.id,
		logger.FieldMeetingID, opts.MeetingID,
		logger.FieldTransport, opts.Transport)
	s.build()
	s.loop.Start()

	if err := s.seed(ctx); err != nil {
		s.loop.Stop()
		return nil, err
	}
	s.log.Info("session: opened")
	return s, nil
}

func (s *Session) build() {
	o := s.opts
	h := channel.Handlers{
		OnEvent:  s.onEvent,
		OnState:  s.onChannelState,
		OnStatus: s.onStatus,
		Skip: func(ev meeting.LiveEvent) bool {
			return (ev.ID != "" && s.rec.Seen(ev.ID)) || s.rec.Stale(ev)
		},
	}

	s.rec = reconcile.New(o.MeetingID, o.Backend, s.loop, reconcile.Hooks{
		OnChange:   o.OnChange,
		OnSpeaking: o.OnSpeaking,
		OnTerminal: s.stopChannels,
		OnRunEnded: s.onRunEnded,
		OnFailure:  s.onFailure,
		OnReplaced: s.saveSnapshot,
	})

	if o.Transport == config.TransportPush {
		s.push = channel.NewPush(channel.PushConfig{
			URL:            o.Backend.PushURL(o.MeetingID),
			Header:         o.Backend.Header(),
			ConnectTimeout: o.PushConnectTimeout,
			Policy:         o.Policy,
			Clock:          o.Clock,
			Loop:           s.loop,
			Handlers:       h,
		})
		s.active = s.push
	} else {
		s.stream = channel.NewStream(channel.StreamConfig{
			MeetingID: o.MeetingID,
			Opener:    o.Backend,
			Policy:    o.Policy,
			Clock:     o.Clock,
			Loop:      s.loop,
			Handlers:  h,
		})
		s.active = s.stream
	}

	s.poll = channel.NewPoll(channel.PollConfig{
		MeetingID: o.MeetingID,
		Fetcher:   o.Backend,
		Interval:  o.PollInterval,
		Clock:     o.Clock,
		Loop:      s.loop,
		Handlers:  h,
	})

	s.coord = runcoord.New(runcoord.Config{
		Clock:          o.Clock,
		Loop:           s.loop,
		FallbackWindow: o.RunFallback,
		Connected:      func() bool { return s.active.Connected() },
		EnableChannel:  func() { s.active.Enable() },
		Fire:           s.fire,
		EnablePolling:  s.updatePolling,
	})
}

func (s *Session) seed(ctx context.Context) error {
	id := s.opts.MeetingID
	cached := false
	if s.opts.Cache != nil {
		conv, ok, err := s.opts.Cache.Load(ctx, id)
		switch {
		case err != nil:
			s.log.Warn("session: snapshot cache load failed", logger.FieldError, err)
		case ok:
			cached = true
			if err := s.loop.Do(func() { s.rec.Seed(conv) }); err != nil {
				return err
			}
			s.log.Debug("session: seeded from cache", logger.FieldCount, len(conv.Messages))
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	conv, err := s.opts.Backend.FetchConversation(fetchCtx, id)
	if err != nil {
		if cached {
			s.log.Warn("session: authoritative fetch failed, using cached snapshot", logger.FieldError, err)
			return nil
		}
		return apperrors.Wrap(err, "Session.Open", "fetch conversation")
	}
	if err := s.loop.Do(func() { s.rec.Seed(conv) }); err != nil {
		return err
	}
	s.saveSnapshot(conv)
	return nil
}

// ID 会话 id。
func (s *Session) ID() string { return s.id }

// MeetingID 会议 id。
func (s *Session) MeetingID() string { return s.opts.MeetingID }

// Transport 活动传输方式。
func (s *Session) Transport() string { return s.opts.Transport }

// Watch 启用活动通道观察实时事件 (不触发运行)。
func (s *Session) Watch() error {
	return s.onLoop("Session.Watch", func() error {
		s.active.Enable()
		return nil
	})
}

// RequestRun 请求运行 run.Rounds 轮。触发在通道连上或降级窗口到期后异步发生。
func (s *Session) RequestRun(run meeting.PendingRun) error {
	return s.onLoop("Session.RequestRun", func() error {
		return s.coord.Request(run)
	})
}

// SendUserMessage 推送通道已连接时走 WebSocket, 否则走 REST。
func (s *Session) SendUserMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Session.SendUserMessage", "empty content")
	}
	sent := false
	err := s.onLoop("Session.SendUserMessage", func() error {
		if s.push == nil || !s.push.Connected() {
			return nil
		}
		if err := s.push.SendUserMessage(content); err != nil {
			s.log.Warn("session: push send failed, falling back to REST", logger.FieldError, err)
			return nil
		}
		sent = true
		return nil
	})
	if err != nil || sent {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.opts.Backend.PostMessage(reqCtx, s.opts.MeetingID, content)
}

// Reset 放弃待触发运行, 停止所有通道并清空会话状态。
func (s *Session) Reset() error {
	return s.onLoop("Session.Reset", func() error {
		s.coord.Cancel()
		s.stopChannels()
		s.rec.Reset()
		return nil
	})
}

// Close 停止全部通道与计时器并退出事件循环。可重复调用。
func (s *Session) Close() error {
	first := false
	_ = s.loop.Do(func() {
		if s.closed {
			return
		}
		s.closed = true
		first = true
		s.coord.Cancel()
		s.stopChannels()
		s.rec.Close()
	})
	s.loop.Stop()
	<-s.loop.Done()
	if first {
		s.log.Info("session: closed")
	}
	return nil
}

// Snapshot 当前视图的深拷贝。
func (s *Session) Snapshot() (reconcile.Snapshot, error) {
	var snap reconcile.Snapshot
	err := s.onLoop("Session.Snapshot", func() error {
		snap = s.rec.Snapshot()
		return nil
	})
	return snap, err
}

// ChannelStates 各通道状态。
func (s *Session) ChannelStates() (map[string]channel.State, error) {
	out := map[string]channel.State{}
	err := s.onLoop("Session.ChannelStates", func() error {
		for _, ch := range s.channels() {
			out[ch.Name()] = ch.State()
		}
		return nil
	})
	return out, err
}

// RunPhase 运行协调器阶段。
func (s *Session) RunPhase() (runcoord.Phase, error) {
	var phase runcoord.Phase
	err := s.onLoop("Session.RunPhase", func() error {
		phase = s.coord.Phase()
		return nil
	})
	return phase, err
}

func (s *Session) onLoop(op string, fn func() error) error {
	var out error
	err := s.loop.Do(func() {
		if s.closed {
			out = apperrors.Wrap(apperrors.ErrClosed, op, "session closed")
			return
		}
		out = fn()
	})
	if err != nil {
		return apperrors.Wrap(err, op, "session closed")
	}
	return out
}

func (s *Session) channels() []channel.LiveChannel {
	return []channel.LiveChannel{s.active, s.poll}
}

// ========================================
// 循环内回调
// ========================================

func (s *Session) onEvent(name string, ev meeting.LiveEvent) {
	if s.closed {
		return
	}
	s.rec.Apply(ev)
	if ev.Kind == meeting.KindError {
		// 服务端语义失败: 拆除来源通道, 不重试
		s.disableChannel(name)
		s.updatePolling()
	}
}

func (s *Session) onChannelState(name string, st channel.State) {
	if s.opts.OnChannelState != nil {
		s.opts.OnChannelState(name, st)
	}
	if s.closed {
		return
	}
	if name == s.active.Name() {
		if st.Status == channel.StatusConnected {
			s.coord.ChannelReady()
		}
		s.updatePolling()
	}
}

func (s *Session) onStatus(report meeting.StatusReport) {
	if s.closed {
		return
	}
	s.rec.ApplyStatus(report)
	s.updatePolling()
}

func (s *Session) onRunEnded() {
	s.coord.RunFinished()
	s.updatePolling()
}

func (s *Session) onFailure(err error) {
	s.log.Warn("session: run failed", logger.FieldError, err)
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(err)
	}
}

// fire 运行触发: 推送通道已连接时发 start_round 帧, 否则调用 REST 触发端点。
func (s *Session) fire(run meeting.PendingRun, fallback bool) {
	s.rec.BeginRun(run.Rounds)
	s.updatePolling()
	s.log.Info("session: triggering run",
		logger.FieldRounds, run.Rounds,
		"fallback", fallback,
	)

	if s.push != nil && s.push.Connected() {
		err := s.push.StartRound(run)
		if err == nil {
			return
		}
		s.log.Warn("session: start_round over push failed, using REST", logger.FieldError, err)
	}

	id, timeout, backend := s.opts.MeetingID, s.opts.RequestTimeout, s.opts.Backend
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := backend.TriggerRun(ctx, id, run)
		s.loop.Post(func() { s.triggered(err) })
	})
}

func (s *Session) triggered(err error) {
	if err == nil || s.closed {
		return
	}
	s.log.Error("session: run trigger failed", logger.FieldError, err)
	s.rec.AbortRun()
	s.coord.RunFinished()
	s.updatePolling()
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(apperrors.Wrap(err, "Session.RequestRun", "run trigger failed"))
	}
}

// updatePolling 轮询只在运行进行中且活动流通道未连接时启用。
func (s *Session) updatePolling() {
	if s.closed {
		s.poll.Disable()
		return
	}
	want := s.rec.RunActive() && !s.active.Connected()
	if want {
		s.poll.Enable()
	} else {
		s.poll.Disable()
	}
}

func (s *Session) disableChannel(name string) {
	for _, ch := range s.channels() {
		if ch.Name() == name {
			ch.Disable()
		}
	}
}

func (s *Session) stopChannels() {
	for _, ch := range s.channels() {
		ch.Disable()
	}
}

// saveSnapshot 权威快照写入本地缓存 (异步)。
func (s *Session) saveSnapshot(conv meeting.Conversation) {
	cache := s.opts.Cache
	if cache == nil {
		return
	}
	timeout := s.opts.RequestTimeout
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := cache.Save(ctx, conv); err != nil {
			logger.Warn("session: snapshot cache save failed",
				logger.FieldMeetingID, conv.ID,
				logger.FieldError, err)
		}
	})
}
