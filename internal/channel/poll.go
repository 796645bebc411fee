package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/multi-agent/meetsync/internal/clock"
	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

const (
	// DefaultPollInterval 轮询间隔。
	DefaultPollInterval = 2 * time.Second

	pollFetchTimeout = 15 * time.Second
)

// StatusFetcher 拉取会议状态 (api.Client 实现)。
type StatusFetcher interface {
	FetchStatus(ctx context.Context, meetingID string) (meeting.StatusReport, error)
}

// PollConfig 轮询通道参数。
type PollConfig struct {
	MeetingID string
	Fetcher   StatusFetcher
	Interval  time.Duration
	Clock     clock.Clock
	Loop      loop.Poster
	Handlers  Handlers
}

// PollingChannel 无流连接时的兜底: 定时拉取状态。失败只记录, 下个周期再试。
type PollingChannel struct {
	meetingID string
	fetcher   StatusFetcher
	interval  time.Duration
	clock     clock.Clock
	post      loop.Poster
	h         Handlers
	log       *slog.Logger

	enabled  bool
	gen      uint64
	timer    clock.Timer
	cancel   context.CancelFunc
	inflight bool
	lastErr  error
	fetches  int
}

var _ LiveChannel = (*PollingChannel)(nil)

// NewPoll 创建轮询通道 (未启用)。
func NewPoll(cfg PollConfig) *PollingChannel {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	return &PollingChannel{
		meetingID: cfg.MeetingID,
		fetcher:   cfg.Fetcher,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		post:      cfg.Loop,
		h:         cfg.Handlers,
		log: logger.With(logger.FieldComponent, "polling",
			logger.FieldChannel, NamePoll,
			logger.FieldMeetingID, cfg.MeetingID),
	}
}

// Name 通道名称。
func (c *PollingChannel) Name() string { return NamePoll }

// State 启用即视为 connected。
func (c *PollingChannel) State() State {
	if c.enabled {
		return State{Status: StatusConnected, LastError: c.lastErr}
	}
	return State{Status: StatusDisconnected, LastError: c.lastErr}
}

// Connected 是否启用。
func (c *PollingChannel) Connected() bool { return c.enabled }

// Fetches 已完成的拉取次数。
func (c *PollingChannel) Fetches() int { return c.fetches }

// Enable 开始轮询; 第一次拉取在一个间隔之后。
func (c *PollingChannel) Enable() {
	if c.enabled {
		return
	}
	c.enabled = true
	c.gen++
	c.log.Info("polling: enabled", logger.FieldDurationMS, c.interval.Milliseconds())
	c.h.state(NamePoll, c.State())
	c.arm()
}

// Disable 停止轮询, 取消计时器与进行中的请求。
func (c *PollingChannel) Disable() {
	if !c.enabled {
		return
	}
	c.enabled = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inflight = false
	c.log.Info("polling: disabled")
	c.h.state(NamePoll, c.State())
}

func (c *PollingChannel) arm() {
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.interval, func() {
		c.post.Post(func() {
			if gen != c.gen {
				return
			}
			c.timer = nil
			c.fetch(gen)
		})
	})
}

// fetch 发起一次拉取; 结果回到循环后才武装下一次, 因此不会重叠。
func (c *PollingChannel) fetch(gen uint64) {
	if c.inflight {
		return
	}
	c.inflight = true
	ctx, cancel := context.WithTimeout(context.Background(), pollFetchTimeout)
	c.cancel = cancel
	util.SafeGo(func() {
		report, err := c.fetcher.FetchStatus(ctx, c.meetingID)
		cancel()
		c.post.Post(func() { c.fetched(gen, report, err) })
	})
}

func (c *PollingChannel) fetched(gen uint64, report meeting.StatusReport, err error) {
	if gen != c.gen {
		return
	}
	c.inflight = false
	c.cancel = nil
	c.fetches++
	if err != nil {
		c.lastErr = err
		c.log.Warn("polling: status fetch failed", logger.FieldError, err)
	} else {
		c.lastErr = nil
		if c.h.OnStatus != nil {
			c.h.OnStatus(report)
		}
	}
	// OnStatus 可能已停用轮询
	if c.enabled && gen == c.gen {
		c.arm()
	}
}
