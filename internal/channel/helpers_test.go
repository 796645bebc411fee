package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/multi-agent/meetsync/internal/clock"
	"github.com/multi-agent/meetsync/internal/loop"
	"github.com/multi-agent/meetsync/internal/meeting"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newRig(t *testing.T) (*loop.Loop, *clock.Fake) {
	t.Helper()
	l := loop.New()
	l.Start()
	t.Cleanup(l.Stop)
	return l, clock.NewFake(time.Unix(0, 0))
}

// recorder 在循环上收集回调。
type recorder struct {
	events []meeting.LiveEvent
	states []State
	seen   map[string]bool
	stale  func(ev meeting.LiveEvent) bool
}

func newRecorder() *recorder { return &recorder{seen: map[string]bool{}} }

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(_ string, ev meeting.LiveEvent) {
			r.events = append(r.events, ev)
			if ev.ID != "" {
				r.seen[ev.ID] = true
			}
		},
		OnState: func(_ string, st State) { r.states = append(r.states, st) },
		Skip: func(ev meeting.LiveEvent) bool {
			if r.stale != nil && r.stale(ev) {
				return true
			}
			return ev.ID != "" && r.seen[ev.ID]
		},
	}
}

// onLoop 在循环上求值。
func onLoop[T any](t *testing.T, l *loop.Loop, fn func() T) T {
	t.Helper()
	var out T
	require.NoError(t, l.Do(func() { out = fn() }))
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msg)
}

type clockRig struct {
	loop *loop.Loop
	fake *clock.Fake
}
