package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	conv  meeting.Conversation
	err   error
}

func (f *stubFetcher) FetchConversation(_ context.Context, id string) (meeting.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	conv := f.conv
	conv.ID = id
	return conv, f.err
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type hookLog struct {
	terminal int
	runEnded int
	failures []error
	replaced int
	speaking []meeting.Speaking
	rounds   []int
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnChange:   func(s Snapshot) { h.rounds = append(h.rounds, s.State.CurrentRound) },
		OnSpeaking: func(sp meeting.Speaking) { h.speaking = append(h.speaking, sp) },
		OnTerminal: func() { h.terminal++ },
		OnRunEnded: func() { h.runEnded++ },
		OnFailure:  func(err error) { h.failures = append(h.failures, err) },
		OnReplaced: func(meeting.Conversation) { h.replaced++ },
	}
}

func newTestReconciler(t *testing.T, f Fetcher) (*Reconciler, *loop.Loop, *hookLog) {
	t.Helper()
	l := loop.New()
	l.Start()
	t.Cleanup(l.Stop)
	h := &hookLog{}
	return New("m1", f, l, h.hooks()), l, h
}

func msg(id string, round int) meeting.LiveEvent {
	return meeting.LiveEvent{Kind: meeting.KindMessage, ID: id, AgentID: "a-" + id, Content: "content " + id, Round: round}
}

func roundComplete(id string, round, total int) meeting.LiveEvent {
	return meeting.LiveEvent{Kind: meeting.KindRoundComplete, ID: id, Round: round, TotalRounds: total}
}

func TestDedupWindow(t *testing.T) {
	w := NewDedupWindow()
	assert.False(t, w.Seen("x"))
	assert.True(t, w.Record("x"))
	assert.False(t, w.Record("x"))
	assert.True(t, w.Seen("x"))
	assert.True(t, w.Record(""), "empty id is always accepted")
	assert.False(t, w.Seen(""))
	assert.Equal(t, 1, w.Len())
	w.Clear()
	assert.Zero(t, w.Len())
}

// run rounds=1; 三条消息; round_complete{1, total 3}
func TestScenarioSingleRoundOfThree(t *testing.T) {
	f := &stubFetcher{}
	r, l, h := newTestReconciler(t, f)

	require.NoError(t, l.Do(func() {
		r.BeginRun(1)
		for _, id := range []string{"m1", "m2", "m3"} {
			assert.True(t, r.Apply(msg(id, 1)))
		}
		assert.True(t, r.Apply(roundComplete("rc1", 1, 3)))
	}))

	require.NoError(t, l.Do(func() {
		st := r.State()
		assert.Equal(t, meeting.StatusPending, st.Status)
		assert.Equal(t, 1, st.CurrentRound)
		assert.Equal(t, 3, st.MaxRounds)
		assert.Len(t, r.MessagesInRound(1), 3)
		assert.False(t, r.RunActive(), "run target reached")
	}))
	assert.Equal(t, 1, h.runEnded)
	assert.Zero(t, h.terminal)
	assert.Zero(t, f.Calls())
}

// 事件流已推进到第 3 轮, 迟到的轮询报告第 2 轮
func TestScenarioPollCannotRegress(t *testing.T) {
	r, l, _ := newTestReconciler(t, &stubFetcher{})
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{Status: "running", CurrentRound: 0, MaxRounds: 5})
		r.BeginRun(5)
		r.Apply(roundComplete("rc3", 3, 5))
		r.ApplyStatus(meeting.StatusReport{Status: "running", CurrentRound: 2, MaxRounds: 5, BackgroundRunning: true})
		assert.Equal(t, 3, r.State().CurrentRound)
		assert.Equal(t, meeting.StatusRunning, r.State().Status)
	}))
}

// message{x} 断线重连后被重放
func TestScenarioReplayAfterReconnect(t *testing.T) {
	r, l, _ := newTestReconciler(t, &stubFetcher{})
	require.NoError(t, l.Do(func() {
		r.BeginRun(1)
		assert.True(t, r.Apply(msg("x", 1)))
		assert.False(t, r.Apply(msg("x", 1)))
		msgs := r.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "x", msgs[0].ID)
	}))
}

func TestIdempotentReplayYieldsSameBuffer(t *testing.T) {
	events := []meeting.LiveEvent{msg("a", 1), msg("b", 1), roundComplete("r1", 1, 4), msg("c", 2)}

	once, l1, _ := newTestReconciler(t, &stubFetcher{})
	twice, l2, _ := newTestReconciler(t, &stubFetcher{})
	require.NoError(t, l1.Do(func() {
		for _, ev := range events {
			once.Apply(ev)
		}
	}))
	require.NoError(t, l2.Do(func() {
		for _, ev := range events {
			twice.Apply(ev)
			twice.Apply(ev)
		}
		for _, ev := range events {
			twice.Apply(ev)
		}
	}))

	var a, b Snapshot
	require.NoError(t, l1.Do(func() { a = once.Snapshot() }))
	require.NoError(t, l2.Do(func() { b = twice.Snapshot() }))
	assert.Equal(t, a, b)
}

func TestMonotonicRoundUnderRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		r, l, h := newTestReconciler(t, nil)
		require.NoError(t, l.Do(func() {
			r.Seed(meeting.Conversation{MaxRounds: 6})
			for i := 0; i < 40; i++ {
				round := rng.Intn(9)
				if rng.Intn(2) == 0 {
					r.Apply(roundComplete("", round, 0))
				} else {
					r.ApplyStatus(meeting.StatusReport{Status: "running", CurrentRound: round, BackgroundRunning: true})
				}
			}
		}))
		prev := 0
		for _, cur := range h.rounds {
			require.GreaterOrEqual(t, cur, prev, "trial %d", trial)
			require.LessOrEqual(t, cur, 6, "trial %d", trial)
			prev = cur
		}
	}
}

func TestMessagesOrderedByRoundStablePerChannel(t *testing.T) {
	r, l, _ := newTestReconciler(t, nil)
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{MaxRounds: 3})
		r.Apply(msg("b1", 2))
		r.Apply(msg("a1", 1))
		r.Apply(msg("b2", 2))
		r.Apply(msg("a2", 1))
		r.Apply(meeting.LiveEvent{Kind: meeting.KindMessage, ID: "u", Content: "no round"})

		var ids []string
		for _, m := range r.Messages() {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []string{"a1", "a2", "u", "b1", "b2"}, ids)
		assert.Equal(t, 1, r.MessagesInRound(1)[2].Round)
	}))
}

func TestMeetingCompleteFetchesExactlyOnce(t *testing.T) {
	f := &stubFetcher{conv: meeting.Conversation{
		Status: "completed", CurrentRound: 2, MaxRounds: 2,
		Messages: []meeting.Message{
			{ID: "p2", Content: "persisted two", Round: 2},
			{ID: "p1", Content: "persisted one", Round: 1},
		},
	}}
	r, l, h := newTestReconciler(t, f)

	require.NoError(t, l.Do(func() {
		r.BeginRun(2)
		r.Apply(msg("live1", 1))
		r.Apply(meeting.LiveEvent{Kind: meeting.KindMeetingComplete, ID: "done"})
		assert.Zero(t, r.WindowLen(), "window cleared on terminal")
		// 另一通道的重复终止信号
		r.Apply(meeting.LiveEvent{Kind: meeting.KindMeetingComplete, ID: "done-2"})
		r.ApplyStatus(meeting.StatusReport{Status: "completed", CurrentRound: 2, MaxRounds: 2})
		assert.Equal(t, meeting.StatusCompleted, r.State().Status)
	}))

	require.Eventually(t, func() bool {
		replaced := 0
		_ = l.Do(func() { replaced = h.replaced })
		return replaced == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 1, h.terminal)
	assert.Equal(t, 1, h.runEnded)
	require.NoError(t, l.Do(func() {
		msgs := r.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "p1", msgs[0].ID, "snapshot replaces live buffer, ordered by round")
		assert.Equal(t, "p2", msgs[1].ID)
		assert.Equal(t, 2, r.State().CurrentRound)
		assert.True(t, r.Seen("p1"), "persisted ids dedupe stream replays")
		assert.False(t, r.FetchPending())
	}))
}

func TestRoundCompleteReachingMaxFinalizes(t *testing.T) {
	f := &stubFetcher{conv: meeting.Conversation{Status: "completed", CurrentRound: 1, MaxRounds: 1}}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.BeginRun(1)
		r.Apply(roundComplete("rc", 1, 1))
		assert.Equal(t, meeting.StatusCompleted, r.State().Status)
	}))
	require.Eventually(t, func() bool { return f.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Sync())
	assert.Equal(t, 1, h.terminal)
}

func TestFetchFailureKeepsLiveBuffer(t *testing.T) {
	f := &stubFetcher{err: apperrors.Connection(nil, "test", "down")}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.BeginRun(1)
		r.Apply(msg("live", 1))
		r.Apply(meeting.LiveEvent{Kind: meeting.KindMeetingComplete})
	}))
	require.Eventually(t, func() bool {
		pending := true
		_ = l.Do(func() { pending = r.FetchPending() })
		return !pending
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Do(func() { assert.Len(t, r.Messages(), 1) }))
	assert.Zero(t, h.replaced)
}

func TestErrorEventSurfacesWithoutMerging(t *testing.T) {
	r, l, h := newTestReconciler(t, &stubFetcher{})
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{MaxRounds: 3, CurrentRound: 1})
		r.BeginRun(2)
		before := r.State()
		r.Apply(meeting.LiveEvent{Kind: meeting.KindError, ID: "e1", Detail: "rate limited", Provider: "openai", Round: 3})
		assert.Equal(t, before, r.State(), "error is not merged into state")
		assert.False(t, r.RunActive())
	}))
	require.Len(t, h.failures, 1)
	assert.True(t, errors.Is(h.failures[0], apperrors.ErrQuotaExhausted))
	var se *apperrors.ServerError
	require.True(t, errors.As(h.failures[0], &se))
	assert.Equal(t, "rate limited", se.Detail)
	assert.Zero(t, h.terminal)
}

func TestPollFailedStatusFinalizesAndSurfaces(t *testing.T) {
	f := &stubFetcher{conv: meeting.Conversation{Status: "failed", MaxRounds: 2}}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.BeginRun(2)
		r.ApplyStatus(meeting.StatusReport{Status: "failed", CurrentRound: 1, MaxRounds: 2})
		assert.Equal(t, meeting.StatusFailed, r.State().Status)
	}))
	require.Len(t, h.failures, 1)
	assert.True(t, errors.Is(h.failures[0], apperrors.ErrServer))
	assert.False(t, errors.Is(h.failures[0], apperrors.ErrQuotaExhausted))
	assert.Equal(t, 1, h.terminal)
}

func TestPollBackgroundStoppedEndsRunWithoutTerminal(t *testing.T) {
	f := &stubFetcher{}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{MaxRounds: 3})
		r.BeginRun(1)
		r.Apply(msg("a", 1))
		r.ApplyStatus(meeting.StatusReport{Status: "pending", CurrentRound: 1, MaxRounds: 3, BackgroundRunning: false})
		assert.Equal(t, meeting.StatusPending, r.State().Status)
		assert.False(t, r.RunActive())
		assert.Equal(t, 1, r.WindowLen(), "window survives a non-terminal run end")
		assert.False(t, r.FetchPending())
	}))
	assert.Equal(t, 1, h.runEnded)
	assert.Zero(t, h.terminal)
	require.NoError(t, l.Sync())
	assert.Zero(t, f.Calls())
}

func TestPollBackgroundStoppedAtMaxRoundsCompletes(t *testing.T) {
	f := &stubFetcher{conv: meeting.Conversation{Status: "completed", CurrentRound: 2, MaxRounds: 2}}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{MaxRounds: 2, CurrentRound: 1})
		r.BeginRun(1)
		r.ApplyStatus(meeting.StatusReport{Status: "pending", CurrentRound: 2, MaxRounds: 2})
		assert.Equal(t, meeting.StatusCompleted, r.State().Status)
	}))
	assert.Equal(t, 1, h.terminal)
	require.Eventually(t, func() bool { return f.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)
}

// 触发后服务端尚未开始运行: 轮询仍返回上一次运行的空闲状态
func TestPollBeforeRunStartsDoesNotEndRun(t *testing.T) {
	f := &stubFetcher{}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{Status: "pending", CurrentRound: 1, MaxRounds: 3})
		r.BeginRun(1)
		r.ApplyStatus(meeting.StatusReport{Status: "pending", CurrentRound: 1, MaxRounds: 3, BackgroundRunning: false})
		assert.True(t, r.RunActive(), "idle report taken before the run began")
		assert.Equal(t, meeting.StatusRunning, r.State().Status)

		r.ApplyStatus(meeting.StatusReport{Status: "running", CurrentRound: 1, MaxRounds: 3, BackgroundRunning: true})
		assert.True(t, r.RunActive())

		r.ApplyStatus(meeting.StatusReport{Status: "pending", CurrentRound: 2, MaxRounds: 3, BackgroundRunning: false})
		assert.False(t, r.RunActive())
		assert.Equal(t, 2, r.State().CurrentRound)
		assert.Equal(t, meeting.StatusPending, r.State().Status)
	}))
	assert.Equal(t, 1, h.runEnded)
	assert.Zero(t, h.terminal)
}

func TestPollStaleCompletedDoesNotFinalizeNewRun(t *testing.T) {
	f := &stubFetcher{}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{Status: "completed", CurrentRound: 2, MaxRounds: 2})
		r.BeginRun(1)
		r.ApplyStatus(meeting.StatusReport{Status: "completed", CurrentRound: 2, MaxRounds: 2})
		assert.True(t, r.RunActive())
		assert.Equal(t, 3, r.State().MaxRounds)

		r.ApplyStatus(meeting.StatusReport{Status: "running", CurrentRound: 2, MaxRounds: 3, BackgroundRunning: true})
		assert.Equal(t, meeting.StatusRunning, r.State().Status)
	}))
	assert.Zero(t, h.terminal)
	assert.Zero(t, h.runEnded)
}

// 新会话的事件流重放上一次运行的 round_complete / meeting_complete
func TestReplayedProgressFromPreviousRunIsDropped(t *testing.T) {
	f := &stubFetcher{conv: meeting.Conversation{Status: "completed", CurrentRound: 3, MaxRounds: 3}}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{Status: "completed", CurrentRound: 2, MaxRounds: 2,
			Messages: []meeting.Message{{ID: "p1", Round: 1}, {ID: "p2", Round: 2}}})
		r.BeginRun(1)

		assert.False(t, r.Apply(msg("p1", 1)))
		assert.False(t, r.Apply(roundComplete("old-rc1", 1, 2)))
		assert.False(t, r.Apply(roundComplete("old-rc2", 2, 2)))
		assert.False(t, r.Apply(meeting.LiveEvent{Kind: meeting.KindMeetingComplete, ID: "old-done", Round: 2}))
		assert.True(t, r.RunActive())
		assert.Equal(t, meeting.StatusRunning, r.State().Status)
		assert.Equal(t, 3, r.State().MaxRounds)

		assert.True(t, r.Apply(msg("n1", 3)))
		assert.True(t, r.Apply(roundComplete("rc3", 3, 3)))
		assert.Equal(t, meeting.StatusCompleted, r.State().Status)
	}))
	assert.Equal(t, 1, h.terminal)
	assert.Equal(t, 1, h.runEnded)
}

func TestReplayedCompletionDoesNotRefinalizeSeededState(t *testing.T) {
	f := &stubFetcher{}
	r, l, h := newTestReconciler(t, f)
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{Status: "completed", CurrentRound: 2, MaxRounds: 2})
		assert.False(t, r.Apply(roundComplete("old-rc2", 2, 2)))
		assert.False(t, r.Apply(meeting.LiveEvent{Kind: meeting.KindMeetingComplete, ID: "old-done", Round: 2}))
		assert.False(t, r.Apply(meeting.LiveEvent{Kind: meeting.KindMeetingComplete, ID: "old-done-2"}))
	}))
	assert.Zero(t, h.terminal)
	require.NoError(t, l.Sync())
	assert.Zero(t, f.Calls())
}

func TestSpeakingIsNotDeduped(t *testing.T) {
	r, l, h := newTestReconciler(t, nil)
	sp := meeting.LiveEvent{Kind: meeting.KindSpeaking, ID: "s", AgentID: "a-m1", AgentName: "Ada", Round: 1}
	require.NoError(t, l.Do(func() {
		assert.True(t, r.Apply(sp))
		assert.True(t, r.Apply(sp))
		got, ok := r.Speaking()
		require.True(t, ok)
		assert.Equal(t, "Ada", got.AgentName)

		// 该 agent 的消息到达后清除发言指示
		r.Apply(msg("m1", 1))
		_, ok = r.Speaking()
		assert.False(t, ok)
	}))
	assert.Len(t, h.speaking, 2)
}

func TestResetClearsSession(t *testing.T) {
	r, l, _ := newTestReconciler(t, &stubFetcher{})
	require.NoError(t, l.Do(func() {
		r.Seed(meeting.Conversation{MaxRounds: 4})
		r.BeginRun(2)
		r.Apply(msg("a", 1))
		r.Apply(roundComplete("r", 1, 0))
		r.Reset()

		st := r.State()
		assert.Equal(t, meeting.StatusPending, st.Status)
		assert.Zero(t, st.CurrentRound)
		assert.Equal(t, 4, st.MaxRounds)
		assert.Empty(t, r.Messages())
		assert.Zero(t, r.WindowLen())
		assert.False(t, r.RunActive())
		assert.True(t, r.Apply(msg("a", 1)), "id accepted again after reset")
	}))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r, l, _ := newTestReconciler(t, nil)
	require.NoError(t, l.Do(func() {
		r.Apply(msg("a", 1))
		r.Apply(meeting.LiveEvent{Kind: meeting.KindSpeaking, AgentName: "Ada"})
		snap := r.Snapshot()
		snap.Messages[0].Content = "mutated"
		snap.Speaking.AgentName = "Eve"
		assert.Equal(t, "content a", r.Messages()[0].Content)
		got, _ := r.Speaking()
		assert.Equal(t, "Ada", got.AgentName)
	}))
}

func TestAbortRun(t *testing.T) {
	r, l, h := newTestReconciler(t, nil)
	require.NoError(t, l.Do(func() {
		r.AbortRun()
		assert.Zero(t, h.runEnded, "no run to abort")

		r.BeginRun(2)
		assert.Equal(t, meeting.StatusRunning, r.State().Status)
		r.AbortRun()
		assert.False(t, r.RunActive())
		assert.Equal(t, meeting.StatusPending, r.State().Status)
	}))
	assert.Equal(t, 1, h.runEnded)
}
