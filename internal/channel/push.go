package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/meetsync/internal/clock"
	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/internal/reconnect"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

const (
	// DefaultPushConnectTimeout 握手必须在此时间内完成。
	DefaultPushConnectTimeout = 5 * time.Second

	pushWriteTimeout = 10 * time.Second
	pushOutboxSize   = 64
	pushMaxFrameSize = 4 << 20
)

// PushConfig 推送通道参数。
type PushConfig struct {
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
	Policy         reconnect.Policy
	Clock          clock.Clock
	Loop           loop.Poster
	Handlers       Handlers
}

// PushChannel 双向 WebSocket 通道: 下行类型化帧, 上行 user_message / start_round。
type PushChannel struct {
	url            string
	header         http.Header
	connectTimeout time.Duration
	clock          clock.Clock
	post           loop.Poster
	sup            *reconnect.Supervisor
	h              Handlers
	log            *slog.Logger

	enabled   bool
	state     State
	gen       uint64
	cancel    context.CancelFunc
	handshake clock.Timer
	conn      *websocket.Conn
	outbox    chan []byte
}

var _ LiveChannel = (*PushChannel)(nil)

// NewPush 创建推送通道 (未连接)。
func NewPush(cfg PushConfig) *PushChannel {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultPushConnectTimeout
	}
	return &PushChannel{
		url:            cfg.URL,
		header:         cfg.Header,
		connectTimeout: cfg.ConnectTimeout,
		clock:          cfg.Clock,
		post:           cfg.Loop,
		sup:            reconnect.New(cfg.Policy, cfg.Clock, cfg.Loop),
		h:              cfg.Handlers,
		log:            logger.With(logger.FieldComponent, "push-channel", logger.FieldChannel, NamePush),
		state:          State{Status: StatusDisconnected},
	}
}

// Name 通道名称。
func (c *PushChannel) Name() string { return NamePush }

// State 当前状态。
func (c *PushChannel) State() State { return c.state }

// Connected 是否已连接。
func (c *PushChannel) Connected() bool { return c.state.Status == StatusConnected }

// Enable 等同 Connect。
func (c *PushChannel) Enable() { c.Connect() }

// Disable 等同 Disconnect。
func (c *PushChannel) Disable() { c.Disconnect() }

// Connect 建立连接; 连接中或已连接时无操作, 退避中立即重拨。
func (c *PushChannel) Connect() {
	c.enabled = true
	switch c.state.Status {
	case StatusConnecting, StatusConnected:
		return
	}
	c.sup.Cancel()
	c.dial()
}

// Disconnect 关闭连接并取消所有挂起的重连与握手计时器。
func (c *PushChannel) Disconnect() {
	c.enabled = false
	c.teardown()
	c.sup.Cancel()
	c.sup.Reset()
	c.setState(State{Status: StatusDisconnected, LastError: c.state.LastError})
}

// SendUserMessage 发送用户消息; 未连接时返回连接错误。
func (c *PushChannel) SendUserMessage(content string) error {
	return c.send("PushChannel.SendUserMessage", meeting.NewUserMessageFrame(content))
}

// StartRound 请求后端运行 run.Rounds 轮。
func (c *PushChannel) StartRound(run meeting.PendingRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	return c.send("PushChannel.StartRound", meeting.NewStartRoundFrame(run))
}

func (c *PushChannel) send(op string, frame any) error {
	if c.state.Status != StatusConnected || c.outbox == nil {
		return apperrors.Connection(nil, op, "push channel not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return apperrors.Wrap(err, op, "marshal frame")
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		return apperrors.Connection(nil, op, "outbox full")
	}
}

func (c *PushChannel) dial() {
	c.teardown()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setState(State{Status: StatusConnecting, RetryCount: c.sup.RetryCount(), LastError: c.state.LastError})

	c.handshake = c.clock.AfterFunc(c.connectTimeout, func() {
		c.post.Post(func() {
			if gen != c.gen || c.state.Status != StatusConnecting {
				return
			}
			c.handshake = nil
			c.fail(gen, apperrors.Connection(apperrors.ErrTimeout, "PushChannel.Connect", "handshake timeout"))
		})
	})

	dialer := websocket.Dialer{
		HandshakeTimeout: c.connectTimeout,
		NetDialContext:   (&net.Dialer{Timeout: c.connectTimeout}).DialContext,
	}
	target, header := c.url, c.header
	util.SafeGo(func() {
		conn, _, err := dialer.DialContext(ctx, target, header)
		if !c.post.Post(func() { c.dialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *PushChannel) dialed(gen uint64, conn *websocket.Conn, err error) {
	if gen != c.gen || c.state.Status != StatusConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.stopHandshake()
	if err != nil {
		c.fail(gen, apperrors.Connection(err, "PushChannel.Connect", "dial failed"))
		return
	}
	conn.SetReadLimit(pushMaxFrameSize)
	c.conn = conn
	c.outbox = make(chan []byte, pushOutboxSize)
	c.sup.Reset()
	c.setState(State{Status: StatusConnected})
	c.log.Info("push channel: connected", logger.FieldURL, c.url)

	outbox := c.outbox
	util.SafeGo(func() { c.readLoop(gen, conn) })
	util.SafeGo(func() { c.writeLoop(gen, conn, outbox) })
}

func (c *PushChannel) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post.Post(func() {
				c.fail(gen, apperrors.Connection(err, "PushChannel.read", "socket closed"))
			})
			return
		}
		c.post.Post(func() {
			if gen != c.gen {
				return
			}
			c.handleFrame(data)
		})
	}
}

func (c *PushChannel) writeLoop(gen uint64, conn *websocket.Conn, outbox <-chan []byte) {
	for data := range outbox {
		_ = conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.post.Post(func() {
				c.fail(gen, apperrors.Connection(err, "PushChannel.write", "write failed"))
			})
			return
		}
	}
}

func (c *PushChannel) handleFrame(data []byte) {
	ev, ok, err := meeting.DecodeFrame(data)
	if err != nil {
		c.log.Warn("push channel: malformed frame skipped", logger.FieldError, err, logger.FieldDataLen, len(data))
		return
	}
	if !ok {
		c.log.Debug("push channel: unknown frame ignored", logger.FieldRaw, string(data))
		return
	}
	c.h.event(NamePush, ev)
}

// fail 连接失败或断开: 释放连接, 启用时交给监督器退避重连。
func (c *PushChannel) fail(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.teardown()
	if !c.enabled {
		c.setState(State{Status: StatusDisconnected, LastError: err})
		return
	}
	delay := c.sup.Schedule(c.dial)
	c.setState(State{Status: StatusBackoff, RetryCount: c.sup.RetryCount(), LastError: err})
	c.log.Warn("push channel: reconnect scheduled",
		logger.FieldError, err,
		logger.FieldRetry, c.sup.RetryCount(),
		logger.FieldDelayMS, delay.Milliseconds(),
	)
}

// teardown 使当前 generation 失效并释放连接资源。
func (c *PushChannel) teardown() {
	c.gen++
	c.stopHandshake()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.outbox != nil {
		close(c.outbox)
		c.outbox = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *PushChannel) stopHandshake() {
	if c.handshake != nil {
		c.handshake.Stop()
		c.handshake = nil
	}
}

func (c *PushChannel) setState(st State) {
	c.state = st
	c.h.state(NamePush, st)
}
