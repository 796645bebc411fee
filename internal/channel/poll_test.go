package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/meetsync/internal/meeting"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	report meeting.StatusReport
	err    error
	block  chan struct{}
}

func (f *fakeFetcher) FetchStatus(ctx context.Context, _ string) (meeting.StatusReport, error) {
	f.mu.Lock()
	f.calls++
	block, report, err := f.block, f.report, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return meeting.StatusReport{}, ctx.Err()
		}
	}
	return report, err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newPollRig(t *testing.T, f *fakeFetcher, onStatus func(meeting.StatusReport)) (*PollingChannel, *clockRig) {
	t.Helper()
	l, fake := newRig(t)
	ch := NewPoll(PollConfig{
		MeetingID: "m1",
		Fetcher:   f,
		Clock:     fake,
		Loop:      l,
		Handlers:  Handlers{OnStatus: onStatus},
	})
	return ch, &clockRig{loop: l, fake: fake}
}

func TestPollFetchesEveryInterval(t *testing.T) {
	f := &fakeFetcher{report: meeting.StatusReport{Status: "running", CurrentRound: 1, MaxRounds: 3, BackgroundRunning: true}}
	var reports []meeting.StatusReport
	ch, rig := newPollRig(t, f, func(r meeting.StatusReport) { reports = append(reports, r) })

	require.NoError(t, rig.loop.Do(ch.Enable))
	assert.True(t, onLoop(t, rig.loop, ch.Connected))
	require.Equal(t, 1, rig.fake.Pending())

	rig.fake.Advance(1999 * time.Millisecond)
	require.NoError(t, rig.loop.Sync())
	assert.Zero(t, f.Calls())

	rig.fake.Advance(time.Millisecond)
	eventually(t, func() bool {
		return onLoop(t, rig.loop, ch.Fetches) == 1 && rig.fake.Pending() == 1
	}, "first fetch resolved and next tick armed")
	assert.Len(t, onLoop(t, rig.loop, func() []meeting.StatusReport { return reports }), 1)

	rig.fake.Advance(2 * time.Second)
	eventually(t, func() bool { return onLoop(t, rig.loop, ch.Fetches) == 2 }, "second fetch")

	require.NoError(t, rig.loop.Do(ch.Disable))
	assert.Zero(t, rig.fake.Pending())
	assert.False(t, onLoop(t, rig.loop, ch.Connected))
}

func TestPollFetchesNeverOverlap(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	ch, rig := newPollRig(t, f, nil)

	require.NoError(t, rig.loop.Do(ch.Enable))
	rig.fake.Advance(2 * time.Second)
	eventually(t, func() bool { return f.Calls() == 1 }, "fetch started")

	// 请求未返回时不武装下一次
	rig.fake.Advance(10 * time.Second)
	require.NoError(t, rig.loop.Sync())
	assert.Equal(t, 1, f.Calls())
	assert.Zero(t, rig.fake.Pending())

	close(f.block)
	eventually(t, func() bool { return rig.fake.Pending() == 1 }, "re-armed after fetch resolved")
	require.NoError(t, rig.loop.Do(ch.Disable))
}

func TestPollFailureRetriesNextTick(t *testing.T) {
	f := &fakeFetcher{err: errors.New("status 502")}
	called := false
	ch, rig := newPollRig(t, f, func(meeting.StatusReport) { called = true })

	require.NoError(t, rig.loop.Do(ch.Enable))
	rig.fake.Advance(2 * time.Second)
	eventually(t, func() bool {
		return onLoop(t, rig.loop, ch.Fetches) == 1 && rig.fake.Pending() == 1
	}, "failure logged, next tick armed")

	st := onLoop(t, rig.loop, ch.State)
	assert.Equal(t, StatusConnected, st.Status)
	assert.Error(t, st.LastError)
	assert.False(t, onLoop(t, rig.loop, func() bool { return called }))
	require.NoError(t, rig.loop.Do(ch.Disable))
}

func TestPollDisableFromHandlerStopsRearm(t *testing.T) {
	f := &fakeFetcher{report: meeting.StatusReport{Status: "completed", CurrentRound: 3, MaxRounds: 3}}
	var ch *PollingChannel
	ch, rig := newPollRig(t, f, func(r meeting.StatusReport) {
		if r.Finished() {
			ch.Disable()
		}
	})

	require.NoError(t, rig.loop.Do(ch.Enable))
	rig.fake.Advance(2 * time.Second)
	eventually(t, func() bool { return !onLoop(t, rig.loop, ch.Connected) }, "disabled on completion")
	assert.Zero(t, rig.fake.Pending())
}

func TestPollDisableCancelsInflight(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{}), report: meeting.StatusReport{Status: "running"}}
	called := false
	ch, rig := newPollRig(t, f, func(meeting.StatusReport) { called = true })

	require.NoError(t, rig.loop.Do(ch.Enable))
	rig.fake.Advance(2 * time.Second)
	eventually(t, func() bool { return f.Calls() == 1 }, "fetch in flight")

	require.NoError(t, rig.loop.Do(ch.Disable))
	close(f.block)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rig.loop.Sync())

	assert.False(t, onLoop(t, rig.loop, func() bool { return called }), "stale result ignored")
	assert.Zero(t, onLoop(t, rig.loop, ch.Fetches))
	assert.Zero(t, rig.fake.Pending())
}
