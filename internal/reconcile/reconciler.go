// Package reconcile 合并多通道实时事件: 去重、按轮次排序、单调推进轮次与完成状态。
//
// Reconciler 不加锁, 只能在会话事件循环上使用。
package reconcile

import (
	"context"
	"log/slog"
	"slices"

	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

// Fetcher 拉取权威快照 (api.Client 实现)。
type Fetcher interface {
	FetchConversation(ctx context.Context, meetingID string) (meeting.Conversation, error)
}

// Hooks 状态变化回调, 均在循环上调用。
type Hooks struct {
	// OnChange 每次被接受的变更之后。
	OnChange func(Snapshot)
	// OnSpeaking 发言指示更新。
	OnSpeaking func(meeting.Speaking)
	// OnTerminal 进入终态: 调用方应停止全部通道。
	OnTerminal func()
	// OnRunEnded 当前运行结束 (达到目标轮次 / 终态 / 错误)。
	OnRunEnded func()
	// OnFailure 服务端语义失败 (ServerError)。
	OnFailure func(err error)
	// OnReplaced 权威快照替换了实时缓冲之后。
	OnReplaced func(meeting.Conversation)
}

// Snapshot 对外只读视图 (深拷贝)。
type Snapshot struct {
	State     meeting.ConversationState
	Messages  []meeting.Message
	Speaking  *meeting.Speaking
	RunActive bool
	// FetchPending 终态后的权威快照尚未替换实时缓冲。
	FetchPending bool
}

// Reconciler 会话状态唯一所有者。
type Reconciler struct {
	meetingID string
	fetcher   Fetcher
	post      loop.Poster
	hooks     Hooks
	log       *slog.Logger

	state    meeting.ConversationState
	window   *DedupWindow
	buffer   []meeting.Message
	speaking *meeting.Speaking

	running   bool
	runStart  int // 运行开始时的轮次, 不超过它的轮次事件属于之前的运行
	runTarget int
	runSeen   bool // 轮询已看到本次运行开始
	finalized bool

	fetchGen     uint64
	fetchPending bool
	fetchCancel  context.CancelFunc
}

// New 创建 Reconciler, 初始状态 pending / 第 0 轮。
func New(meetingID string, fetcher Fetcher, post loop.Poster, hooks Hooks) *Reconciler {
	return &Reconciler{
		meetingID: meetingID,
		fetcher:   fetcher,
		post:      post,
		hooks:     hooks,
		log:       logger.With(logger.FieldComponent, "reconciler", logger.FieldMeetingID, meetingID),
		state:     meeting.ConversationState{ID: meetingID}.Normalize(),
		window:    NewDedupWindow(),
	}
}

// State 当前进度。
func (r *Reconciler) State() meeting.ConversationState { return r.state }

// RunActive 是否有运行在进行。
func (r *Reconciler) RunActive() bool { return r.running }

// FetchPending 是否有权威拉取在进行。
func (r *Reconciler) FetchPending() bool { return r.fetchPending }

// Seen 事件 id 是否已被接受。
func (r *Reconciler) Seen(id string) bool { return r.window.Seen(id) }

// WindowLen 去重窗口大小。
func (r *Reconciler) WindowLen() int { return r.window.Len() }

// Speaking 当前发言指示。
func (r *Reconciler) Speaking() (meeting.Speaking, bool) {
	if r.speaking == nil {
		return meeting.Speaking{}, false
	}
	return *r.speaking, true
}

// Messages 缓冲区消息副本 (按轮次, 同轮按到达顺序)。
func (r *Reconciler) Messages() []meeting.Message { return slices.Clone(r.buffer) }

// MessagesInRound 第 n 轮的消息。
func (r *Reconciler) MessagesInRound(n int) []meeting.Message {
	var out []meeting.Message
	for _, m := range r.buffer {
		if m.Round == n {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot 深拷贝当前视图。
func (r *Reconciler) Snapshot() Snapshot {
	snap := Snapshot{
		State:        r.state,
		Messages:     r.Messages(),
		RunActive:    r.running,
		FetchPending: r.fetchPending,
	}
	if r.speaking != nil {
		sp := *r.speaking
		snap.Speaking = &sp
	}
	return snap
}

// ========================================
// 播种 / 替换
// ========================================

// Seed 以持久化快照初始化 (打开会话时)。
func (r *Reconciler) Seed(conv meeting.Conversation) {
	r.load(conv)
	r.changed()
}

// Replace 用权威快照替换 (不合并) 实时缓冲。
func (r *Reconciler) Replace(conv meeting.Conversation) {
	r.load(conv)
	if r.hooks.OnReplaced != nil {
		r.hooks.OnReplaced(conv)
	}
	r.changed()
}

func (r *Reconciler) load(conv meeting.Conversation) {
	if conv.ID == "" {
		conv.ID = r.meetingID
	}
	r.state = conv.State()
	r.buffer = sortedMessages(conv.Messages)
	r.window.Clear()
	// 已持久化的消息 id 进入窗口, 事件流重放时不再重复追加
	for _, m := range r.buffer {
		r.window.Record(m.ID)
	}
	r.speaking = nil
}

func sortedMessages(msgs []meeting.Message) []meeting.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b meeting.Message) int { return a.Round - b.Round })
	return out
}

// ========================================
// 运行
// ========================================

// BeginRun 运行开始: 目标轮次 = 当前轮次 + rounds。
func (r *Reconciler) BeginRun(rounds int) {
	if rounds < 1 {
		rounds = 1
	}
	r.running = true
	r.finalized = false
	r.runSeen = false
	r.runStart = r.state.CurrentRound
	r.runTarget = r.state.CurrentRound + rounds
	if r.runTarget > r.state.MaxRounds {
		r.state.MaxRounds = r.runTarget
	}
	r.state.Status = meeting.StatusRunning
	r.log.Info("reconciler: run begun",
		logger.FieldRounds, rounds,
		logger.FieldRound, r.state.CurrentRound,
		logger.FieldMaxRounds, r.state.MaxRounds,
	)
	r.changed()
}

// AbortRun 运行未能开始 (触发失败): 结束运行, 非终态回到 pending。
func (r *Reconciler) AbortRun() {
	if !r.running {
		return
	}
	r.endRun()
	if !r.state.Status.Terminal() {
		r.state.Status = meeting.StatusPending
	}
	r.changed()
}

// Reset 丢弃全部会话状态与进行中的拉取。
func (r *Reconciler) Reset() {
	r.cancelFetch()
	r.state = meeting.ConversationState{ID: r.meetingID, MaxRounds: r.state.MaxRounds}.Normalize()
	r.window.Clear()
	r.buffer = nil
	r.speaking = nil
	r.running = false
	r.runStart = 0
	r.runTarget = 0
	r.runSeen = false
	r.finalized = false
	r.changed()
}

// Close 取消进行中的权威拉取。
func (r *Reconciler) Close() { r.cancelFetch() }

// ========================================
// 事件合并
// ========================================

// Apply 合并一条实时事件; 返回是否被接受。
func (r *Reconciler) Apply(ev meeting.LiveEvent) bool {
	if ev.Kind == meeting.KindSpeaking {
		r.applySpeaking(ev)
		return true
	}
	if r.Stale(ev) {
		r.log.Debug("reconciler: stale progress event dropped",
			logger.FieldEventID, ev.ID,
			logger.FieldEventType, string(ev.Kind),
			logger.FieldRound, ev.Round,
		)
		return false
	}
	if !r.window.Record(ev.ID) {
		return false
	}

	switch ev.Kind {
	case meeting.KindMessage:
		r.applyMessage(ev)
	case meeting.KindRoundComplete:
		r.applyRoundComplete(ev)
	case meeting.KindMeetingComplete:
		r.widen(ev.TotalRounds)
		r.advance(ev.Round)
		r.finalize(meeting.StatusCompleted)
	case meeting.KindError:
		r.applyError(ev)
	default:
		return false
	}
	return true
}

// Stale 事件流重放的上一次运行的 round_complete / meeting_complete。
// 运行中: 轮次不超过运行起始轮次; 未运行: 已处于终态且轮次未超过当前轮次。
func (r *Reconciler) Stale(ev meeting.LiveEvent) bool {
	if ev.Kind != meeting.KindRoundComplete && ev.Kind != meeting.KindMeetingComplete {
		return false
	}
	if r.running {
		return ev.Round > 0 && ev.Round <= r.runStart
	}
	if ev.Kind == meeting.KindRoundComplete {
		return ev.Round > 0 && ev.Round <= r.state.CurrentRound && r.state.Status.Terminal()
	}
	return r.state.Status.Terminal() && ev.Round <= r.state.CurrentRound
}

func (r *Reconciler) applySpeaking(ev meeting.LiveEvent) {
	sp := meeting.Speaking{AgentID: ev.AgentID, AgentName: ev.AgentName, Round: ev.Round}
	r.speaking = &sp
	if r.hooks.OnSpeaking != nil {
		r.hooks.OnSpeaking(sp)
	}
}

func (r *Reconciler) applyMessage(ev meeting.LiveEvent) {
	msg := ev.Message()
	if msg.Round <= 0 {
		msg.Round = util.ClampInt(r.state.CurrentRound+1, 1, r.state.MaxRounds)
	}
	// 同轮内保持到达顺序: 插在第一条更大轮次之前
	idx := len(r.buffer)
	for i, m := range r.buffer {
		if m.Round > msg.Round {
			idx = i
			break
		}
	}
	r.buffer = slices.Insert(r.buffer, idx, msg)
	if r.speaking != nil && r.speaking.AgentID != "" && r.speaking.AgentID == msg.AgentID {
		r.speaking = nil
	}
	r.changed()
}

func (r *Reconciler) applyRoundComplete(ev meeting.LiveEvent) {
	r.widen(ev.TotalRounds)
	r.advance(ev.Round)
	if r.state.CurrentRound >= r.state.MaxRounds {
		r.finalize(meeting.StatusCompleted)
		return
	}
	r.state.Status = meeting.StatusPending
	r.log.Debug("reconciler: round complete", logger.FieldRound, r.state.CurrentRound)
	if r.running && r.state.CurrentRound >= r.runTarget {
		r.endRun()
	}
	r.changed()
}

func (r *Reconciler) applyError(ev meeting.LiveEvent) {
	err := &apperrors.ServerError{MeetingID: r.meetingID, Detail: ev.Detail, Provider: ev.Provider}
	r.log.Warn("reconciler: server error event", logger.FieldError, err, logger.FieldProvider, ev.Provider)
	r.speaking = nil
	if r.running {
		r.endRun()
	}
	if r.hooks.OnFailure != nil {
		r.hooks.OnFailure(err)
	}
	r.changed()
}

// ApplyStatus 合并轮询得到的状态报告。
// 运行中但轮询尚未看到它开始时, completed 与 background_running=false 都来自之前的运行, 不代表本次结束。
func (r *Reconciler) ApplyStatus(report meeting.StatusReport) {
	st := meeting.ParseStatus(report.Status)
	r.observeRun(st, report)
	r.widen(report.MaxRounds)
	r.advance(report.CurrentRound)
	early := r.running && !r.runSeen

	switch {
	case st == meeting.StatusCompleted && !early:
		r.finalize(meeting.StatusCompleted)
	case st == meeting.StatusFailed:
		wasRunning := r.running
		r.finalize(meeting.StatusFailed)
		if wasRunning && r.hooks.OnFailure != nil {
			r.hooks.OnFailure(&apperrors.ServerError{MeetingID: r.meetingID, Detail: "meeting failed"})
		}
	case report.Finished() && r.running && !early:
		if r.state.CurrentRound >= r.state.MaxRounds {
			r.finalize(meeting.StatusCompleted)
			return
		}
		// 运行结束但会议未完成: 不是终态, 窗口保留
		r.state.Status = meeting.StatusPending
		r.speaking = nil
		r.log.Info("reconciler: run finished by poll", logger.FieldRound, r.state.CurrentRound)
		r.endRun()
		r.changed()
	default:
		if st == meeting.StatusRunning && !r.state.Status.Terminal() {
			r.state.Status = meeting.StatusRunning
		}
		if r.running && r.state.CurrentRound >= r.runTarget {
			r.endRun()
		}
		r.changed()
	}
}

// observeRun 轮询看到 running、后台运行中或轮次越过起始轮次, 即认为本次运行已在服务端开始。
func (r *Reconciler) observeRun(st meeting.Status, report meeting.StatusReport) {
	if !r.running || r.runSeen {
		return
	}
	if st == meeting.StatusRunning || report.BackgroundRunning ||
		report.CurrentRound > r.runStart || r.state.CurrentRound > r.runStart {
		r.runSeen = true
	}
}

// widen total_rounds 大于 max_rounds 时扩大上限。
func (r *Reconciler) widen(total int) {
	if total > r.state.MaxRounds {
		r.state.MaxRounds = total
	}
}

// advance current_round = max(current_round, round), 不超过 max_rounds。
func (r *Reconciler) advance(round int) {
	round = min(round, r.state.MaxRounds)
	r.state.CurrentRound = max(r.state.CurrentRound, round)
}

func (r *Reconciler) endRun() {
	r.running = false
	if r.hooks.OnRunEnded != nil {
		r.hooks.OnRunEnded()
	}
}

// finalize 终态处理: 停止通道、清空窗口、安排且只安排一次权威拉取。
func (r *Reconciler) finalize(status meeting.Status) {
	if r.finalized {
		if status.Terminal() {
			r.state.Status = status
		}
		r.changed()
		return
	}
	r.finalized = true
	r.state.Status = status
	r.speaking = nil
	r.log.Info("reconciler: terminal transition",
		logger.FieldStatus, string(status),
		logger.FieldRound, r.state.CurrentRound,
		logger.FieldMaxRounds, r.state.MaxRounds,
	)
	if r.running {
		r.endRun()
	}
	if r.hooks.OnTerminal != nil {
		r.hooks.OnTerminal()
	}
	r.window.Clear()
	r.scheduleFetch()
	r.changed()
}

func (r *Reconciler) scheduleFetch() {
	if r.fetchPending || r.fetcher == nil {
		return
	}
	r.fetchPending = true
	r.fetchGen++
	gen := r.fetchGen
	ctx, cancel := context.WithCancel(context.Background())
	r.fetchCancel = cancel
	util.SafeGo(func() {
		conv, err := r.fetcher.FetchConversation(ctx, r.meetingID)
		cancel()
		r.post.Post(func() { r.fetched(gen, conv, err) })
	})
}

func (r *Reconciler) fetched(gen uint64, conv meeting.Conversation, err error) {
	if gen != r.fetchGen {
		return
	}
	r.fetchPending = false
	r.fetchCancel = nil
	if err != nil {
		r.log.Warn("reconciler: authoritative fetch failed, keeping live buffer", logger.FieldError, err)
		r.changed()
		return
	}
	r.log.Info("reconciler: live buffer replaced by snapshot", logger.FieldCount, len(conv.Messages))
	r.Replace(conv)
}

func (r *Reconciler) cancelFetch() {
	r.fetchGen++
	r.fetchPending = false
	if r.fetchCancel != nil {
		r.fetchCancel()
		r.fetchCancel = nil
	}
}

func (r *Reconciler) changed() {
	if r.hooks.OnChange != nil {
		r.hooks.OnChange(r.Snapshot())
	}
}
