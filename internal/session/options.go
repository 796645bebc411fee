package session

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/multi-agent/meetsync/internal/channel"
	"github.com/multi-agent/meetsync/internal/clock"
	"github.com/multi-agent/meetsync/internal/config"
	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/internal/reconcile"
	"github.com/multi-agent/meetsync/internal/reconnect"
)

// Backend 会议后端 (api.Client 实现)。
type Backend interface {
	FetchConversation(ctx context.Context, meetingID string) (meeting.Conversation, error)
	FetchStatus(ctx context.Context, meetingID string) (meeting.StatusReport, error)
	TriggerRun(ctx context.Context, meetingID string, run meeting.PendingRun) error
	PostMessage(ctx context.Context, meetingID, content string) error
	OpenStream(ctx context.Context, meetingID string) (io.ReadCloser, error)
	PushURL(meetingID string) string
	Header() http.Header
}

// SnapshotCache 本地快照缓存 (store.SnapshotStore 实现)。
type SnapshotCache interface {
	Load(ctx context.Context, meetingID string) (meeting.Conversation, bool, error)
	Save(ctx context.Context, conv meeting.Conversation) error
}

// Options 会话参数。
//
// 回调在会话事件循环上执行: 不得阻塞, 也不得同步调用会话方法。
type Options struct {
	MeetingID string
	Transport string // config.TransportPush | config.TransportStream
	Backend   Backend
	Cache     SnapshotCache

	Clock              clock.Clock
	Policy             reconnect.Policy
	PushConnectTimeout time.Duration
	PollInterval       time.Duration
	RunFallback        time.Duration
	RequestTimeout     time.Duration

	OnChange       func(reconcile.Snapshot)
	OnFailure      func(error)
	OnSpeaking     func(meeting.Speaking)
	OnChannelState func(name string, st channel.State)
}

// OptionsFromConfig 按全局配置填充时间参数与传输方式。
func OptionsFromConfig(cfg *config.Config, meetingID string, backend Backend) Options {
	return Options{
		MeetingID:          meetingID,
		Transport:          cfg.Transport,
		Backend:            backend,
		Policy:             reconnect.Policy{Base: cfg.ReconnectBase(), Cap: cfg.ReconnectCap()},
		PushConnectTimeout: cfg.PushConnectTimeout(),
		PollInterval:       cfg.PollInterval(),
		RunFallback:        cfg.RunFallback(),
		RequestTimeout:     cfg.HTTPTimeout(),
	}
}

func (o *Options) defaults() {
	if o.Transport != config.TransportPush {
		o.Transport = config.TransportStream
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Policy.Base <= 0 {
		o.Policy = reconnect.DefaultPolicy()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
}
