package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/multi-agent/meetsync/internal/channel"
	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/internal/reconcile"
	"github.com/multi-agent/meetsync/pkg/logger"
)

// printer 将会话视图增量输出为文本。回调都在会话事件循环上执行, 无需加锁。
type printer struct {
	w            io.Writer
	printed      map[string]bool
	status       meeting.Status
	round        int
	speakingName string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: map[string]bool{}}
}

func messageKey(m meeting.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%d|%s|%s", m.Round, m.AgentName, m.Content)
}

func (p *printer) change(snap reconcile.Snapshot) {
	for _, m := range snap.Messages {
		key := messageKey(m)
		if p.printed[key] {
			continue
		}
		p.printed[key] = true
		name := m.AgentName
		if name == "" {
			name = m.Role
		}
		fmt.Fprintf(p.w, "[R%d] %s: %s\n", m.Round, name, strings.TrimSpace(m.Content))
	}
	st := snap.State
	if st.Status != p.status || st.CurrentRound != p.round {
		p.status, p.round = st.Status, st.CurrentRound
		fmt.Fprintf(p.w, "-- %s (round %d/%d)\n", st.Status, st.CurrentRound, st.MaxRounds)
	}
	if snap.Speaking == nil {
		p.speakingName = ""
	}
}

func (p *printer) speaking(sp meeting.Speaking) {
	name := sp.AgentName
	if name == "" {
		name = sp.AgentID
	}
	if name == "" || name == p.speakingName {
		return
	}
	p.speakingName = name
	fmt.Fprintf(p.w, "   ... %s is speaking\n", name)
}

func (p *printer) failure(err error) {
	fmt.Fprintf(p.w, "!! %v\n", err)
}

func (p *printer) channelState(name string, st channel.State) {
	logger.Debug("channel state",
		logger.FieldChannel, name,
		logger.FieldState, st.String(),
	)
}
