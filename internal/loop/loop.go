// Package loop 单写者事件循环。
//
// 会话内所有状态变更 (Reconciler / 通道状态 / RunCoordinator) 只在循环 goroutine 上执行,
// I/O goroutine 与计时器回调只能通过 Post 投递闭包。
package loop

import (
	"runtime/debug"
	"sync"

	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

// Poster 投递闭包到事件循环。
type Poster interface {
	Post(fn func()) bool
}

// Loop 串行执行器, 队列无界, Post 永不阻塞。
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	notify  chan struct{}
	stopped bool

	quit     chan struct{}
	done     chan struct{}
	startMu  sync.Once
	stopOnce sync.Once
}

// New 创建未启动的循环。
func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start 启动循环 goroutine (幂等)。
func (l *Loop) Start() {
	l.startMu.Do(func() {
		util.SafeGo(l.run)
	})
}

// Post 投递 fn; 循环已停止时返回 false 并丢弃 fn。
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Do 投递 fn 并等待执行完成。不得在循环内调用 (会死锁)。
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return apperrors.Wrap(apperrors.ErrClosed, "Loop.Do", "loop stopped")
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// 循环退出时可能丢弃了 fn
		select {
		case <-finished:
			return nil
		default:
			return apperrors.Wrap(apperrors.ErrClosed, "Loop.Do", "loop stopped")
		}
	}
}

// Sync 等待此前投递的闭包全部执行。
func (l *Loop) Sync() error { return l.Do(func() {}) }

// Stop 停止循环; 已排队但未执行的闭包被丢弃。
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.quit)
	})
}

// Done 循环 goroutine 退出后关闭。
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.notify:
		}
		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			l.exec(fn)
		}
	}
}

// exec 执行单个闭包; panic 只影响该闭包。
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			loopPanicked(r)
		}
	}()
	fn()
}

func loopPanicked(r any) {
	logger.Error("loop: callback panicked",
		logger.FieldError, r,
		"stack", string(debug.Stack()),
	)
}
