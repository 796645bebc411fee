package meetingsim

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
)

const subscriberBuffer = 256

// injectedFailure 下一次运行要下发的 error 事件。
type injectedFailure struct {
	Detail   string
	Provider string
}

// room 单个会议的持久化状态 + 当前运行的事件重放缓冲。
type room struct {
	mu sync.Mutex

	id       string
	topic    string
	status   meeting.Status
	current  int
	max      int
	running  bool
	messages []meeting.Message

	replay  []meeting.Frame // 进行中运行的全部事件, 运行结束即清空
	subs    map[string]chan meeting.Frame
	failure *injectedFailure
	runs    int
	cancel  func()
}

func newRoom(id, topic string, maxRounds int) *room {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &room{
		id:     id,
		topic:  topic,
		status: meeting.StatusPending,
		max:    maxRounds,
		subs:   make(map[string]chan meeting.Frame),
	}
}

// conversation 权威快照。
func (r *room) conversation() meeting.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]meeting.Message, len(r.messages))
	copy(msgs, r.messages)
	return meeting.Conversation{
		ID:           r.id,
		Status:       string(r.status),
		CurrentRound: r.current,
		MaxRounds:    r.max,
		Messages:     msgs,
	}
}

func (r *room) statusReport() meeting.StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return meeting.StatusReport{
		Status:            string(r.status),
		CurrentRound:      r.current,
		MaxRounds:         r.max,
		BackgroundRunning: r.running,
	}
}

// subscribe 注册订阅者; withReplay 时在同一临界区内取出重放缓冲, 不会漏掉中间事件。
func (r *room) subscribe(withReplay bool) (string, chan meeting.Frame, []meeting.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan meeting.Frame, subscriberBuffer)
	r.subs[id] = ch
	var replay []meeting.Frame
	if withReplay {
		replay = make([]meeting.Frame, len(r.replay))
		copy(replay, r.replay)
	}
	return id, ch, replay
}

// unsubscribe 不关闭 ch, 订阅方通过 ctx 退出。
func (r *room) unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *room) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// publishLocked 追加到重放缓冲并广播。调用方持有 r.mu。
func (r *room) publishLocked(f meeting.Frame) {
	r.replay = append(r.replay, f)
	for id, ch := range r.subs {
		select {
		case ch <- f:
		default:
			logger.Warn("meetingsim: subscriber lagging, frame dropped",
				logger.FieldMeetingID, r.id, logger.FieldID, id, logger.FieldEventType, f.Type)
		}
	}
}

func (r *room) publish(ev meeting.LiveEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(meeting.FrameFromEvent(ev))
}

// beginRun 标记运行开始, 返回起始轮次与目标轮次。
func (r *room) beginRun(rounds int, cancel func()) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return 0, 0, apperrors.Wrap(apperrors.ErrRunInFlight, "meetingsim.beginRun", "meeting is already running")
	}
	start := r.current
	target := start + rounds
	if target > r.max {
		r.max = target
	}
	r.running = true
	r.status = meeting.StatusRunning
	r.replay = nil
	r.runs++
	r.cancel = cancel
	return start, target, nil
}

func (r *room) takeFailure() *injectedFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.failure
	r.failure = nil
	return f
}

func (r *room) injectFailure(f injectedFailure) {
	r.mu.Lock()
	r.failure = &f
	r.mu.Unlock()
}

// appendMessage 持久化并广播一条消息。
func (r *room) appendMessage(msg meeting.Message) meeting.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	r.messages = append(r.messages, msg)
	ev := meeting.LiveEvent{
		Kind:      meeting.KindMessage,
		ID:        msg.ID,
		AgentID:   msg.AgentID,
		AgentName: msg.AgentName,
		Role:      msg.Role,
		Content:   msg.Content,
		Round:     msg.Round,
	}
	f := meeting.FrameFromEvent(ev)
	f.Type = meeting.FrameMessageSaved
	r.publishLocked(f)
	return msg
}

// completeRound 推进轮次并广播 round_complete。
func (r *room) completeRound(round int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if round > r.current {
		r.current = round
	}
	r.publishLocked(meeting.FrameFromEvent(meeting.LiveEvent{
		Kind:        meeting.KindRoundComplete,
		ID:          uuid.NewString(),
		Round:       round,
		TotalRounds: r.max,
	}))
}

// finishRun 运行结束; 到达 max_rounds 时广播 meeting_complete。
func (r *room) finishRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.cancel = nil
	if r.current >= r.max {
		r.status = meeting.StatusCompleted
		r.publishLocked(meeting.FrameFromEvent(meeting.LiveEvent{
			Kind:  meeting.KindMeetingComplete,
			ID:    uuid.NewString(),
			Round: r.current,
		}))
	} else {
		r.status = meeting.StatusPending
	}
	r.replay = nil
}

// failRun 下发 error 事件并停止运行。
func (r *room) failRun(f injectedFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.cancel = nil
	r.status = meeting.StatusPending
	r.publishLocked(meeting.FrameFromEvent(meeting.LiveEvent{
		Kind:     meeting.KindError,
		ID:       uuid.NewString(),
		Detail:   f.Detail,
		Provider: f.Provider,
	}))
	r.replay = nil
}

// abort 停止运行 (服务关闭)。
func (r *room) abort() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
