// Package store 会议快照的 PostgreSQL 持久化。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名, 由 pgx.RowToStructByName 扫描。
package store

import (
	"time"

	"github.com/multi-agent/meetsync/internal/meeting"
)

// SnapshotRow meeting_snapshots 表。
type SnapshotRow struct {
	MeetingID    string    `db:"meeting_id" json:"meeting_id"`
	Status       string    `db:"status" json:"status"`
	CurrentRound int       `db:"current_round" json:"current_round"`
	MaxRounds    int       `db:"max_rounds" json:"max_rounds"`
	MessageCount int       `db:"message_count" json:"message_count"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// MessageRow meeting_messages 表。Position 保留快照内的顺序。
type MessageRow struct {
	MeetingID   string     `db:"meeting_id" json:"meeting_id"`
	Position    int        `db:"position" json:"position"`
	MessageID   string     `db:"message_id" json:"message_id"`
	AgentID     string     `db:"agent_id" json:"agent_id"`
	AgentName   string     `db:"agent_name" json:"agent_name"`
	Role        string     `db:"role" json:"role"`
	Content     string     `db:"content" json:"content"`
	RoundNumber int        `db:"round_number" json:"round_number"`
	CreatedAt   *time.Time `db:"created_at" json:"created_at,omitempty"`
}

// ListFilter 快照列表筛选。
type ListFilter struct {
	Status  string
	Keyword string
	Limit   int
}

func snapshotRow(conv meeting.Conversation) SnapshotRow {
	state := conv.State()
	return SnapshotRow{
		MeetingID:    conv.ID,
		Status:       string(state.Status),
		CurrentRound: state.CurrentRound,
		MaxRounds:    state.MaxRounds,
		MessageCount: len(conv.Messages),
	}
}

func messageRows(conv meeting.Conversation) []MessageRow {
	rows := make([]MessageRow, 0, len(conv.Messages))
	for i, m := range conv.Messages {
		row := MessageRow{
			MeetingID:   conv.ID,
			Position:    i,
			MessageID:   m.ID,
			AgentID:     m.AgentID,
			AgentName:   m.AgentName,
			Role:        m.Role,
			Content:     m.Content,
			RoundNumber: m.Round,
		}
		if !m.CreatedAt.IsZero() {
			at := m.CreatedAt.UTC()
			row.CreatedAt = &at
		}
		rows = append(rows, row)
	}
	return rows
}

func toConversation(snap SnapshotRow, msgs []MessageRow) meeting.Conversation {
	conv := meeting.Conversation{
		ID:           snap.MeetingID,
		Status:       snap.Status,
		CurrentRound: snap.CurrentRound,
		MaxRounds:    snap.MaxRounds,
		Messages:     make([]meeting.Message, 0, len(msgs)),
	}
	for _, r := range msgs {
		m := meeting.Message{
			ID:        r.MessageID,
			AgentID:   r.AgentID,
			AgentName: r.AgentName,
			Role:      r.Role,
			Content:   r.Content,
			Round:     r.RoundNumber,
		}
		if r.CreatedAt != nil {
			m.CreatedAt = *r.CreatedAt
		}
		conv.Messages = append(conv.Messages, m)
	}
	return conv
}
