package channel

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/meetsync/internal/api"
	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/internal/reconnect"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
)

func TestDataPayload(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"data: {\"a\":1}\n", `{"a":1}`, true},
		{"data:{\"a\":1}\r\n", `{"a":1}`, true},
		{": ping\n", "", false},
		{"event: message\n", "", false},
		{"id: 42\n", "", false},
		{"data: \n", "", false},
		{"\n", "", false},
	}
	for _, tt := range tests {
		got, ok := dataPayload([]byte(tt.line))
		assert.Equal(t, tt.ok, ok, "line %q", tt.line)
		assert.Equal(t, tt.want, string(got), "line %q", tt.line)
	}
}

func newStream(t *testing.T, srv *httptest.Server, rec *recorder) (*EventStreamChannel, *clockRig) {
	t.Helper()
	l, fake := newRig(t)
	ch := NewStream(StreamConfig{
		MeetingID: "m1",
		Opener:    api.New(srv.URL),
		Policy:    reconnect.DefaultPolicy(),
		Clock:     fake,
		Loop:      l,
		Handlers:  rec.handlers(),
	})
	return ch, &clockRig{loop: l, fake: fake}
}

func TestStreamPartialLinesAndTerminalTeardown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/meetings/m1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, ": ping\n\n")
		fl.Flush()
		_, _ = io.WriteString(w, `data: {"type":"message","id":"a1","agent_name":"Ada","content":"hel`)
		fl.Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, "lo\",\"round_number\":1}\n\n")
		_, _ = io.WriteString(w, "event: note\ndata: not-json\n\n")
		_, _ = io.WriteString(w, `data: {"type":"meeting_complete","round":1}`+"\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := newRecorder()
	ch, rig := newStream(t, srv, rec)
	require.NoError(t, rig.loop.Do(ch.Enable))

	eventually(t, func() bool {
		return onLoop(t, rig.loop, func() int { return len(rec.events) }) == 2
	}, "message + meeting_complete delivered")

	events := onLoop(t, rig.loop, func() []meeting.LiveEvent { return rec.events })
	assert.Equal(t, meeting.KindMessage, events[0].Kind)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, 1, events[0].Round)
	assert.Equal(t, meeting.KindMeetingComplete, events[1].Kind)

	st := onLoop(t, rig.loop, ch.State)
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Zero(t, rig.fake.Pending(), "no reconnect after terminal event")
}

func TestStreamNon2xxBacksOffAndDisableCancels(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := newRecorder()
	ch, rig := newStream(t, srv, rec)
	require.NoError(t, rig.loop.Do(ch.Enable))

	eventually(t, func() bool {
		return onLoop(t, rig.loop, ch.State).Status == StatusBackoff
	}, "backoff after 503")
	st := onLoop(t, rig.loop, ch.State)
	assert.Equal(t, 1, st.RetryCount)
	assert.True(t, errors.Is(st.LastError, apperrors.ErrConnection))
	require.Equal(t, 1, rig.fake.Pending())

	rig.fake.Advance(3 * time.Second)
	eventually(t, func() bool {
		s := onLoop(t, rig.loop, ch.State)
		return hits.Load() == 2 && s.Status == StatusBackoff && s.RetryCount == 2
	}, "second attempt after 3s")
	deadline, ok := rig.fake.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, rig.fake.Now().Add(6*time.Second), deadline)

	require.NoError(t, rig.loop.Do(ch.Disable))
	assert.Zero(t, rig.fake.Pending())
	rig.fake.Advance(time.Minute)
	require.NoError(t, rig.loop.Sync())
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, StatusDisconnected, onLoop(t, rig.loop, ch.State).Status)
}

func TestStreamReplayAfterEOFIsDeduped(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"type":"message","id":"a1","content":"hi","round_number":1}`+"\n\n")
	}))
	defer srv.Close()

	rec := newRecorder()
	ch, rig := newStream(t, srv, rec)
	require.NoError(t, rig.loop.Do(ch.Enable))

	eventually(t, func() bool {
		return onLoop(t, rig.loop, ch.State).Status == StatusBackoff
	}, "EOF schedules reconnect")
	require.Equal(t, 1, rig.fake.Pending())

	rig.fake.Advance(3 * time.Second)
	eventually(t, func() bool {
		return hits.Load() == 2 && onLoop(t, rig.loop, ch.State).Status == StatusBackoff
	}, "reconnected and ended again")

	// 连接成功后重试计数归零, 下一次仍是 3s
	deadline, ok := rig.fake.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, rig.fake.Now().Add(3*time.Second), deadline)
	assert.Len(t, onLoop(t, rig.loop, func() []meeting.LiveEvent { return rec.events }), 1)

	require.NoError(t, rig.loop.Do(ch.Disable))
	assert.Zero(t, rig.fake.Pending())
}

func TestStreamServerErrorTearsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"detail":"quota exceeded","provider":"openai"}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := newRecorder()
	ch, rig := newStream(t, srv, rec)
	require.NoError(t, rig.loop.Do(ch.Enable))

	eventually(t, func() bool {
		return onLoop(t, rig.loop, func() int { return len(rec.events) }) == 1
	}, "error delivered")
	ev := onLoop(t, rig.loop, func() meeting.LiveEvent { return rec.events[0] })
	assert.Equal(t, meeting.KindError, ev.Kind)
	assert.Equal(t, "openai", ev.Provider)
	assert.False(t, onLoop(t, rig.loop, ch.Connected))
	assert.Zero(t, rig.fake.Pending())
}

func TestStreamSkippedTerminalEventKeepsConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, `data: {"type":"meeting_complete","id":"old-done","round":2}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"type":"message","id":"n1","content":"fresh","round_number":3}`+"\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := newRecorder()
	// 上一次运行的完成事件
	rec.stale = func(ev meeting.LiveEvent) bool {
		return ev.Kind == meeting.KindMeetingComplete && ev.Round <= 2
	}
	ch, rig := newStream(t, srv, rec)
	require.NoError(t, rig.loop.Do(ch.Enable))

	eventually(t, func() bool {
		return onLoop(t, rig.loop, func() int { return len(rec.events) }) == 1
	}, "fresh message delivered")

	events := onLoop(t, rig.loop, func() []meeting.LiveEvent { return rec.events })
	assert.Equal(t, "n1", events[0].ID)
	assert.Equal(t, StatusConnected, onLoop(t, rig.loop, ch.State).Status)
	require.NoError(t, rig.loop.Do(ch.Disable))
}
