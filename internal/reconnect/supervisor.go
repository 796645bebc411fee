// Package reconnect 通用指数退避重连策略, 推送通道与事件流通道共用。
//
// 延迟: min(base * 2^retryCount, cap); 每次调度 retryCount++; 连接成功 Reset 归零;
// Cancel 立即取消挂起计时器。
package reconnect

import (
	"time"

	"github.com/multi-agent/meetsync/internal/clock"
	"github.com/multi-agent/meetsync/internal/loop"
)

// 默认退避参数。
const (
	DefaultBase = 3 * time.Second
	DefaultCap  = 30 * time.Second
)

// Policy 退避参数。
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultPolicy 3s 起步, 30s 封顶。
func DefaultPolicy() Policy { return Policy{Base: DefaultBase, Cap: DefaultCap} }

// Delay 第 retry 次重试 (从 0 起) 的等待时间。
func (p Policy) Delay(retry int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBase
	}
	if limit < base {
		limit = base
	}
	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

// Supervisor 单个通道的重连监督器。
//
// 只能在事件循环上调用; 计时器回调经 Poster 回到循环, 并用 generation 丢弃过期回调。
type Supervisor struct {
	policy Policy
	clock  clock.Clock
	post   loop.Poster

	retryCount int
	timer      clock.Timer
	gen        uint64
}

// New 创建监督器。
func New(policy Policy, clk clock.Clock, post loop.Poster) *Supervisor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Supervisor{policy: policy, clock: clk, post: post}
}

// Schedule 按当前 retryCount 计算延迟并安排 fn, 返回延迟。已有挂起重试时先取消。
func (s *Supervisor) Schedule(fn func()) time.Duration {
	s.Cancel()
	delay := s.policy.Delay(s.retryCount)
	s.retryCount++
	gen := s.gen
	s.timer = s.clock.AfterFunc(delay, func() {
		s.post.Post(func() {
			if gen != s.gen {
				return
			}
			s.timer = nil
			fn()
		})
	})
	return delay
}

// Reset 连接成功: retryCount 归零。
func (s *Supervisor) Reset() { s.retryCount = 0 }

// Cancel 取消挂起的重试; 已投递但未执行的回调通过 generation 失效。
func (s *Supervisor) Cancel() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// RetryCount 当前重试次数。
func (s *Supervisor) RetryCount() int { return s.retryCount }

// Pending 是否有挂起的重试。
func (s *Supervisor) Pending() bool { return s.timer != nil }

// Policy 返回退避参数。
func (s *Supervisor) Policy() Policy { return s.policy }
