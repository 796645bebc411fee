// Package meeting 会议同步的数据模型: 会话状态、实时事件、权威快照与状态报告。
package meeting

import (
	"strings"
	"time"

	apperrors "github.com/multi-agent/meetsync/pkg/errors"
)

// Status 会议状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus 归一化后端状态字符串。未知值视为 pending。
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "in_progress", "active", "started":
		return StatusRunning
	case "completed", "complete", "done", "finished":
		return StatusCompleted
	case "failed", "error", "cancelled", "canceled":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Terminal completed / failed 为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ConversationState 会议进度视图。CurrentRound 单调不减且不超过 MaxRounds。
type ConversationState struct {
	ID           string `json:"id"`
	Status       Status `json:"status"`
	CurrentRound int    `json:"current_round"`
	MaxRounds    int    `json:"max_rounds"`
}

// Normalize 修正越界值: MaxRounds ≥ 1, 0 ≤ CurrentRound ≤ MaxRounds。
func (s ConversationState) Normalize() ConversationState {
	if s.MaxRounds < 1 {
		s.MaxRounds = 1
	}
	if s.CurrentRound < 0 {
		s.CurrentRound = 0
	}
	if s.CurrentRound > s.MaxRounds {
		s.CurrentRound = s.MaxRounds
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	return s
}

// Message 一条已接受的会议消息。
type Message struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content"`
	Round     int       `json:"round_number"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Conversation 权威快照: 后端持久化的完整会议。
type Conversation struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	CurrentRound int       `json:"current_round"`
	MaxRounds    int       `json:"max_rounds"`
	Messages     []Message `json:"messages"`
}

// State 提取进度视图。
func (c Conversation) State() ConversationState {
	return ConversationState{
		ID:           c.ID,
		Status:       ParseStatus(c.Status),
		CurrentRound: c.CurrentRound,
		MaxRounds:    c.MaxRounds,
	}.Normalize()
}

// StatusReport 状态端点返回值。
type StatusReport struct {
	Status            string `json:"status"`
	CurrentRound      int    `json:"current_round"`
	MaxRounds         int    `json:"max_rounds"`
	BackgroundRunning bool   `json:"background_running"`
}

// Finished 报告后台运行是否已结束。
func (r StatusReport) Finished() bool {
	st := ParseStatus(r.Status)
	if st.Terminal() {
		return true
	}
	return !r.BackgroundRunning && st != StatusRunning
}

// Speaking "谁在发言" 的瞬时指示, 不参与去重。
type Speaking struct {
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Round     int    `json:"round,omitempty"`
}

// PendingRun 唯一的待触发运行意图。
type PendingRun struct {
	Rounds int    `json:"rounds"`
	Topic  string `json:"topic,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// Validate 校验 rounds ≥ 1。
func (p PendingRun) Validate() error {
	if p.Rounds < 1 {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "PendingRun.Validate", "rounds must be >= 1, got %d", p.Rounds)
	}
	return nil
}
