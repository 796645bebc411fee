package meeting

import (
	"bytes"
	"encoding/json"
	"strings"

	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/util"
)

// EventKind 实时事件类型。
type EventKind string

const (
	KindSpeaking        EventKind = "speaking"
	KindMessage         EventKind = "message"
	KindRoundComplete   EventKind = "round_complete"
	KindMeetingComplete EventKind = "meeting_complete"
	KindError           EventKind = "error"
)

// LiveEvent 任意通道产出的归一化事件, 只由 Reconciler 消费。
type LiveEvent struct {
	Kind        EventKind
	ID          string
	AgentID     string
	AgentName   string
	Role        string
	Content     string
	Round       int
	TotalRounds int
	Status      string
	Detail      string
	Provider    string
}

// Message 将 message 事件转换为缓冲区消息。
func (e LiveEvent) Message() Message {
	return Message{
		ID:        e.ID,
		AgentID:   e.AgentID,
		AgentName: e.AgentName,
		Role:      e.Role,
		Content:   e.Content,
		Round:     e.Round,
	}
}

// ========================================
// 线格式
// ========================================

// 帧 type 字段取值。
const (
	FrameAgentSpeaking   = "agent_speaking"
	FrameMessage         = "message"
	FrameMessageSaved    = "message_saved"
	FrameRoundComplete   = "round_complete"
	FrameMeetingComplete = "meeting_complete"
	FrameError           = "error"
	FrameUserMessage     = "user_message"
	FrameStartRound      = "start_round"
)

// FlexString 兼容字符串或数字形式的 id。
type FlexString string

// UnmarshalJSON 接受 "abc" / 123 / null。
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Frame 推送帧与 SSE data 行共用的 JSON 结构。
type Frame struct {
	Type        string     `json:"type,omitempty"`
	ID          FlexString `json:"id,omitempty"`
	AgentID     FlexString `json:"agent_id,omitempty"`
	AgentName   string     `json:"agent_name,omitempty"`
	Role        string     `json:"role,omitempty"`
	Content     string     `json:"content,omitempty"`
	RoundNumber *int       `json:"round_number,omitempty"`
	Round       *int       `json:"round,omitempty"`
	TotalRounds *int       `json:"total_rounds,omitempty"`
	Status      string     `json:"status,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	Message     string     `json:"message,omitempty"`
	Provider    string     `json:"provider,omitempty"`
}

// DecodeFrame 解析一条 JSON 帧。ok=false 表示类型未知 (向前兼容, 应忽略)。
func DecodeFrame(data []byte) (LiveEvent, bool, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return LiveEvent{}, false, apperrors.Protocol(err, "meeting.DecodeFrame", "invalid json frame")
	}
	ev, ok := f.Event()
	return ev, ok, nil
}

// Event 将帧归一化为 LiveEvent。
func (f Frame) Event() (LiveEvent, bool) {
	kind, ok := f.kind()
	if !ok {
		return LiveEvent{}, false
	}
	ev := LiveEvent{
		Kind:      kind,
		ID:        strings.TrimSpace(string(f.ID)),
		AgentID:   strings.TrimSpace(string(f.AgentID)),
		AgentName: f.AgentName,
		Role:      f.Role,
		Content:   f.Content,
		Status:    f.Status,
		Detail:    util.FirstNonEmpty(f.Detail, f.Message),
		Provider:  strings.TrimSpace(f.Provider),
	}
	switch kind {
	case KindMessage, KindSpeaking:
		ev.Round = intOr(f.RoundNumber, intOr(f.Round, 0))
	default:
		ev.Round = intOr(f.Round, intOr(f.RoundNumber, 0))
	}
	ev.TotalRounds = intOr(f.TotalRounds, 0)
	return ev, true
}

func (f Frame) kind() (EventKind, bool) {
	switch strings.TrimSpace(f.Type) {
	case FrameAgentSpeaking, "speaking":
		return KindSpeaking, true
	case FrameMessage, FrameMessageSaved:
		return KindMessage, true
	case FrameRoundComplete:
		return KindRoundComplete, true
	case FrameMeetingComplete:
		return KindMeetingComplete, true
	case FrameError:
		return KindError, true
	case "":
		return f.inferKind()
	default:
		return "", false
	}
}

// inferKind 无 type 字段时按字段推断 (SSE 早期格式)。
func (f Frame) inferKind() (EventKind, bool) {
	status := ParseStatus(f.Status)
	switch {
	case f.Detail != "" || strings.EqualFold(f.Status, "error") || (status == StatusFailed && f.Content == ""):
		return KindError, true
	case f.Content != "":
		return KindMessage, true
	case status == StatusCompleted:
		return KindMeetingComplete, true
	case f.Round != nil:
		return KindRoundComplete, true
	default:
		return "", false
	}
}

// FrameFromEvent 将 LiveEvent 编码为线格式帧 (模拟后端与测试用)。
func FrameFromEvent(ev LiveEvent) Frame {
	f := Frame{
		ID:        FlexString(ev.ID),
		AgentID:   FlexString(ev.AgentID),
		AgentName: ev.AgentName,
		Role:      ev.Role,
		Content:   ev.Content,
		Status:    ev.Status,
		Detail:    ev.Detail,
		Provider:  ev.Provider,
	}
	round := ev.Round
	switch ev.Kind {
	case KindSpeaking:
		f.Type = FrameAgentSpeaking
		f.RoundNumber = &round
	case KindMessage:
		f.Type = FrameMessage
		f.RoundNumber = &round
	case KindRoundComplete:
		f.Type = FrameRoundComplete
		f.Round = &round
	case KindMeetingComplete:
		f.Type = FrameMeetingComplete
		if round > 0 {
			f.Round = &round
		}
	case KindError:
		f.Type = FrameError
	}
	if ev.TotalRounds > 0 {
		total := ev.TotalRounds
		f.TotalRounds = &total
	}
	return f
}

// UserMessageFrame 出站: 用户消息。
type UserMessageFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewUserMessageFrame 构造 user_message 帧。
func NewUserMessageFrame(content string) UserMessageFrame {
	return UserMessageFrame{Type: FrameUserMessage, Content: content}
}

// StartRoundFrame 出站: 开始运行 N 轮。
type StartRoundFrame struct {
	Type   string `json:"type"`
	Rounds int    `json:"rounds"`
	Topic  string `json:"topic,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// NewStartRoundFrame 构造 start_round 帧。
func NewStartRoundFrame(run PendingRun) StartRoundFrame {
	return StartRoundFrame{Type: FrameStartRound, Rounds: run.Rounds, Topic: run.Topic, Locale: run.Locale}
}

// ClientFrame 服务端解析客户端出站帧用。
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Rounds  int    `json:"rounds,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Locale  string `json:"locale,omitempty"`
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
