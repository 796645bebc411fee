// Package channel 实时事件通道: 推送 (WebSocket)、事件流 (SSE)、状态轮询。
//
// 通道的所有方法与回调都在会话事件循环上执行; 读写 goroutine 只投递结果,
// 并以 generation 丢弃 Disable 之前产生的过期投递。
package channel

import (
	"fmt"

	"github.com/multi-agent/meetsync/internal/meeting"
)

// 通道名称。
const (
	NamePush   = "push"
	NameStream = "stream"
	NamePoll   = "poll"
)

// Status 通道连接状态。
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusBackoff      Status = "backoff"
)

// State 通道状态快照。
type State struct {
	Status     Status
	RetryCount int
	LastError  error
}

func (s State) String() string {
	if s.LastError != nil {
		return fmt.Sprintf("%s(retry=%d, err=%v)", s.Status, s.RetryCount, s.LastError)
	}
	return fmt.Sprintf("%s(retry=%d)", s.Status, s.RetryCount)
}

// LiveChannel 所有通道的公共能力。
type LiveChannel interface {
	Name() string
	Enable()
	Disable()
	State() State
	Connected() bool
}

// Handlers 通道向会话回报的回调, 均在循环上调用。未设置的回调被忽略。
type Handlers struct {
	// OnEvent 收到一条已解码的实时事件。
	OnEvent func(channel string, ev meeting.LiveEvent)
	// OnState 通道状态变化。
	OnState func(channel string, st State)
	// OnStatus 轮询得到状态报告。
	OnStatus func(report meeting.StatusReport)
	// Skip 事件已被接受或属于之前的运行 (事件流转发前预检)。
	Skip func(ev meeting.LiveEvent) bool
}

func (h Handlers) event(name string, ev meeting.LiveEvent) {
	if h.OnEvent != nil {
		h.OnEvent(name, ev)
	}
}

func (h Handlers) state(name string, st State) {
	if h.OnState != nil {
		h.OnState(name, st)
	}
}

func (h Handlers) skip(ev meeting.LiveEvent) bool {
	return h.Skip != nil && h.Skip(ev)
}
