// Package clock 抽象计时器来源。
//
// 所有重连退避、握手超时、降级窗口、轮询间隔都通过 Clock.AfterFunc 创建,
// 测试用 Fake 推进时间并检查是否仍有计时器挂起。
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock 提供当前时间与一次性计时器。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消的一次性计时器。
type Timer interface {
	// Stop 取消计时器; 已触发或已取消时返回 false。
	Stop() bool
}

type realClock struct{}

// Real 返回基于 time 包的时钟。
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// ========================================
// Fake
// ========================================

// Fake 可控时钟。AfterFunc 的回调只在 Advance 中同步触发。
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	id    uint64
	at    time.Time
	fn    func()
}

// NewFake 以 start 为起点创建 Fake。
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, timers: map[uint64]*fakeTimer{}}
}

// Now 返回当前假时间。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc 注册计时器。d <= 0 时在下一次 Advance 触发。
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, id: f.seq, at: f.now.Add(d), fn: fn}
	f.timers[t.id] = t
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

// Advance 将时间推进 d, 按到期顺序同步执行到期回调。
// 回调中新注册且在窗口内到期的计时器同样会被触发。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		delete(f.timers, next.id)
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()
		next.fn()
	}
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

// Pending 返回尚未触发也未取消的计时器数量。
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// NextDeadline 返回最近一个计时器的到期时间。
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best time.Time
	found := false
	for _, t := range f.timers {
		if !found || t.at.Before(best) {
			best = t.at
			found = true
		}
	}
	return best, found
}
