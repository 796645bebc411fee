// Package runcoord 运行触发状态机: idle → awaiting-channel → triggered → idle。
//
// 运行请求先存为 PendingRun, 等活动通道连上后触发一次; 降级窗口内没有通道连上时照样触发,
// 并启用轮询兜底。清除 PendingRun 与触发调用发生在同一次循环回调中。
package runcoord

import (
	"log/slog"
	"time"

	"github.com/multi-agent/meetsync/internal/clock"
	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
)

// DefaultFallbackWindow 等待通道连接的上限。
const DefaultFallbackWindow = 3 * time.Second

// Phase 状态机阶段。
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAwaiting  Phase = "awaiting-channel"
	PhaseTriggered Phase = "triggered"
)

// Config 协调器依赖, 回调均在循环上调用。
type Config struct {
	Clock          clock.Clock
	Loop           loop.Poster
	FallbackWindow time.Duration

	// Connected 活动通道是否已连接。
	Connected func() bool
	// EnableChannel 启用活动通道。
	EnableChannel func()
	// Fire 触发服务端运行; fallback=true 表示因降级窗口到期而触发。
	Fire func(run meeting.PendingRun, fallback bool)
	// EnablePolling 降级触发后启用轮询。
	EnablePolling func()
}

// Coordinator 运行协调器, 只能在循环上使用。
type Coordinator struct {
	cfg Config
	log *slog.Logger

	phase   Phase
	pending *meeting.PendingRun
	timer   clock.Timer
	gen     uint64
	fired   int
}

// New 创建空闲的协调器。
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = DefaultFallbackWindow
	}
	return &Coordinator{
		cfg:   cfg,
		log:   logger.With(logger.FieldComponent, "run-coordinator"),
		phase: PhaseIdle,
	}
}

// Phase 当前阶段。
func (c *Coordinator) Phase() Phase { return c.phase }

// Pending 待触发的运行。
func (c *Coordinator) Pending() (meeting.PendingRun, bool) {
	if c.pending == nil {
		return meeting.PendingRun{}, false
	}
	return *c.pending, true
}

// Fired 累计触发次数。
func (c *Coordinator) Fired() int { return c.fired }

// Request 提交运行请求。等待中再次请求会替换 PendingRun; 已触发时返回 ErrRunInFlight。
func (c *Coordinator) Request(run meeting.PendingRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	switch c.phase {
	case PhaseTriggered:
		return apperrors.Wrap(apperrors.ErrRunInFlight, "RunCoordinator.Request", "a run is already in progress")
	case PhaseAwaiting:
		c.pending = &run
		c.log.Info("run coordinator: pending run replaced", logger.FieldRounds, run.Rounds)
		return nil
	}

	c.pending = &run
	c.phase = PhaseAwaiting
	c.log.Info("run coordinator: run requested", logger.FieldRounds, run.Rounds)
	if c.connected() {
		c.fire(false)
		return nil
	}
	if c.cfg.EnableChannel != nil {
		c.cfg.EnableChannel()
	}
	// EnableChannel 可能同步连上并已触发
	if c.phase != PhaseAwaiting {
		return nil
	}
	c.armFallback()
	return nil
}

// ChannelReady 活动通道连上。重复信号只触发一次。
func (c *Coordinator) ChannelReady() {
	if c.phase != PhaseAwaiting || c.pending == nil {
		return
	}
	c.fire(false)
}

// RunFinished 运行结束或触发失败: 回到 idle。
func (c *Coordinator) RunFinished() {
	if c.phase == PhaseTriggered {
		c.phase = PhaseIdle
	}
}

// Cancel 放弃待触发的运行并取消降级计时器。
func (c *Coordinator) Cancel() {
	c.stopTimer()
	c.pending = nil
	c.phase = PhaseIdle
}

func (c *Coordinator) connected() bool {
	return c.cfg.Connected != nil && c.cfg.Connected()
}

func (c *Coordinator) armFallback() {
	c.stopTimer()
	gen := c.gen
	c.timer = c.cfg.Clock.AfterFunc(c.cfg.FallbackWindow, func() {
		c.cfg.Loop.Post(func() {
			if gen != c.gen {
				return
			}
			c.timer = nil
			if c.phase != PhaseAwaiting || c.pending == nil {
				return
			}
			c.log.Warn("run coordinator: no channel connected, triggering anyway",
				logger.FieldDurationMS, c.cfg.FallbackWindow.Milliseconds())
			c.fire(true)
		})
	})
}

// fire 清除 PendingRun 并触发, 同一次调用内完成。
func (c *Coordinator) fire(fallback bool) {
	run := *c.pending
	c.pending = nil
	c.phase = PhaseTriggered
	c.stopTimer()
	c.fired++
	if c.cfg.Fire != nil {
		c.cfg.Fire(run, fallback)
	}
	if fallback && c.cfg.EnablePolling != nil {
		c.cfg.EnablePolling()
	}
}

func (c *Coordinator) stopTimer() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
