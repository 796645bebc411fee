package channel

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/multi-agent/meetsync/internal/clock"
	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/internal/reconnect"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

// StreamOpener 打开会议事件流 (api.Client 实现)。
type StreamOpener interface {
	OpenStream(ctx context.Context, meetingID string) (io.ReadCloser, error)
}

// StreamConfig 事件流通道参数。
type StreamConfig struct {
	MeetingID string
	Opener    StreamOpener
	Policy    reconnect.Policy
	Clock     clock.Clock
	Loop      loop.Poster
	Handlers  Handlers
}

// EventStreamChannel 单向 SSE 通道。服务端重连后会重放当前运行的事件, 由去重窗口吸收。
type EventStreamChannel struct {
	meetingID string
	opener    StreamOpener
	post      loop.Poster
	sup       *reconnect.Supervisor
	h         Handlers
	log       *slog.Logger

	enabled bool
	state   State
	gen     uint64
	cancel  context.CancelFunc
}

var _ LiveChannel = (*EventStreamChannel)(nil)

// NewStream 创建事件流通道 (未启用)。
func NewStream(cfg StreamConfig) *EventStreamChannel {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &EventStreamChannel{
		meetingID: cfg.MeetingID,
		opener:    cfg.Opener,
		post:      cfg.Loop,
		sup:       reconnect.New(cfg.Policy, cfg.Clock, cfg.Loop),
		h:         cfg.Handlers,
		log: logger.With(logger.FieldComponent, "event-stream",
			logger.FieldChannel, NameStream,
			logger.FieldMeetingID, cfg.MeetingID),
		state: State{Status: StatusDisconnected},
	}
}

// Name 通道名称。
func (c *EventStreamChannel) Name() string { return NameStream }

// State 当前状态。
func (c *EventStreamChannel) State() State { return c.state }

// Connected 是否已连接。
func (c *EventStreamChannel) Connected() bool { return c.state.Status == StatusConnected }

// Enable 打开事件流; 已启用时无操作 (退避中的重试照常进行)。
func (c *EventStreamChannel) Enable() {
	if c.enabled {
		return
	}
	c.enabled = true
	c.open()
}

// Disable 中止读取并取消挂起的重连。
func (c *EventStreamChannel) Disable() {
	c.enabled = false
	c.teardown()
	c.sup.Cancel()
	c.sup.Reset()
	c.setState(State{Status: StatusDisconnected, LastError: c.state.LastError})
}

func (c *EventStreamChannel) open() {
	c.teardown()
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setState(State{Status: StatusConnecting, RetryCount: c.sup.RetryCount(), LastError: c.state.LastError})

	util.SafeGo(func() { c.readStream(ctx, gen) })
}

// readStream 在 I/O goroutine 中运行; 只投递完整的 data 行。
func (c *EventStreamChannel) readStream(ctx context.Context, gen uint64) {
	body, err := c.opener.OpenStream(ctx, c.meetingID)
	if err != nil {
		c.post.Post(func() { c.fail(gen, err) })
		return
	}
	defer body.Close()
	c.post.Post(func() { c.opened(gen) })

	br := bufio.NewReader(body)
	for {
		// 跨读边界的半行留在 bufio 缓冲中; 结尾不完整的半行随错误一起丢弃
		line, err := br.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				err = apperrors.Connection(io.EOF, "EventStream.read", "stream ended")
			} else {
				err = apperrors.Connection(err, "EventStream.read", "read failed")
			}
			c.post.Post(func() { c.fail(gen, err) })
			return
		}
		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		c.post.Post(func() {
			if gen != c.gen {
				return
			}
			c.handleData(payload)
		})
	}
}

// dataPayload 提取 "data:" 行内容; 心跳 (":") 与其它字段行返回 false。
func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	rest, found := bytes.CutPrefix(line, []byte("data:"))
	if !found {
		return nil, false
	}
	rest = bytes.TrimPrefix(rest, []byte(" "))
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil, false
	}
	return rest, true
}

func (c *EventStreamChannel) opened(gen uint64) {
	if gen != c.gen {
		return
	}
	c.sup.Reset()
	c.setState(State{Status: StatusConnected})
	c.log.Info("event stream: connected")
}

func (c *EventStreamChannel) handleData(payload []byte) {
	ev, ok, err := meeting.DecodeFrame(payload)
	if err != nil {
		c.log.Warn("event stream: malformed data line skipped", logger.FieldError, err, logger.FieldDataLen, len(payload))
		return
	}
	if !ok {
		return
	}
	if c.h.skip(ev) {
		c.log.Debug("event stream: replayed event dropped", logger.FieldEventID, ev.ID, logger.FieldEventType, string(ev.Kind))
		return
	}
	switch ev.Kind {
	case meeting.KindMeetingComplete, meeting.KindError:
		// 终止事件: 先拆除自身, 再交付
		c.enabled = false
		c.teardown()
		c.sup.Cancel()
		c.sup.Reset()
		c.setState(State{Status: StatusDisconnected})
	}
	c.h.event(NameStream, ev)
}

func (c *EventStreamChannel) fail(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.teardown()
	if !c.enabled {
		c.setState(State{Status: StatusDisconnected, LastError: err})
		return
	}
	delay := c.sup.Schedule(c.open)
	c.setState(State{Status: StatusBackoff, RetryCount: c.sup.RetryCount(), LastError: err})
	c.log.Warn("event stream: reconnect scheduled",
		logger.FieldError, err,
		logger.FieldRetry, c.sup.RetryCount(),
		logger.FieldDelayMS, delay.Milliseconds(),
	)
}

func (c *EventStreamChannel) teardown() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *EventStreamChannel) setState(st State) {
	c.state = st
	c.h.state(NameStream, st)
}
