package store

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
)

const snapshotColumns = `meeting_id, status, current_round, max_rounds, message_count, updated_at`

var messageColumns = []string{
	"meeting_id", "position", "message_id", "agent_id", "agent_name",
	"role", "content", "round_number", "created_at",
}

// SnapshotStore 会议快照缓存 (session.SnapshotCache 实现)。
//
// 每次 Save 整体替换该会议的快照与消息, 与权威拉取 "以快照为准" 的语义一致。
type SnapshotStore struct{ BaseStore }

// NewSnapshotStore 创建快照存储。
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{NewBaseStore(pool)}
}

// Load 读取会议快照; 不存在时 ok=false。
func (s *SnapshotStore) Load(ctx context.Context, meetingID string) (meeting.Conversation, bool, error) {
	if s.pool == nil {
		return meeting.Conversation{}, false, apperrors.New("SnapshotStore.Load", "pool is required")
	}
	rows, err := s.pool.Query(ctx, `SELECT `+snapshotColumns+` FROM meeting_snapshots WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return meeting.Conversation{}, false, apperrors.Wrap(err, "SnapshotStore.Load", "query snapshot")
	}
	snap, err := collectOne[SnapshotRow](rows)
	if err != nil {
		return meeting.Conversation{}, false, apperrors.Wrap(err, "SnapshotStore.Load", "scan snapshot")
	}
	if snap == nil {
		return meeting.Conversation{}, false, nil
	}

	rows, err = s.pool.Query(ctx,
		`SELECT `+strings.Join(messageColumns, ", ")+` FROM meeting_messages WHERE meeting_id = $1 ORDER BY position`,
		meetingID)
	if err != nil {
		return meeting.Conversation{}, false, apperrors.Wrap(err, "SnapshotStore.Load", "query messages")
	}
	msgs, err := collectRows[MessageRow](rows)
	if err != nil {
		return meeting.Conversation{}, false, apperrors.Wrap(err, "SnapshotStore.Load", "scan messages")
	}
	return toConversation(*snap, msgs), true, nil
}

// Save 事务内整体替换会议快照。
func (s *SnapshotStore) Save(ctx context.Context, conv meeting.Conversation) error {
	if s.pool == nil {
		return apperrors.New("SnapshotStore.Save", "pool is required")
	}
	if strings.TrimSpace(conv.ID) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "SnapshotStore.Save", "meeting id required")
	}
	snap := snapshotRow(conv)
	msgs := messageRows(conv)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, "SnapshotStore.Save", "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO meeting_snapshots (meeting_id, status, current_round, max_rounds, message_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (meeting_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_round = EXCLUDED.current_round,
			max_rounds = EXCLUDED.max_rounds,
			message_count = EXCLUDED.message_count,
			updated_at = NOW()
	`, snap.MeetingID, snap.Status, snap.CurrentRound, snap.MaxRounds, snap.MessageCount)
	if err != nil {
		return apperrors.Wrap(err, "SnapshotStore.Save", "upsert snapshot")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM meeting_messages WHERE meeting_id = $1`, snap.MeetingID); err != nil {
		return apperrors.Wrap(err, "SnapshotStore.Save", "delete messages")
	}
	if len(msgs) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"meeting_messages"}, messageColumns,
			pgx.CopyFromSlice(len(msgs), func(i int) ([]any, error) {
				m := msgs[i]
				return []any{m.MeetingID, m.Position, m.MessageID, m.AgentID, m.AgentName,
					m.Role, m.Content, m.RoundNumber, m.CreatedAt}, nil
			}))
		if err != nil {
			return apperrors.Wrap(err, "SnapshotStore.Save", "copy messages")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, "SnapshotStore.Save", "commit")
	}
	logger.Debug("snapshot saved",
		logger.FieldMeetingID, snap.MeetingID,
		logger.FieldStatus, snap.Status,
		logger.FieldCount, snap.MessageCount,
	)
	return nil
}

// List 按状态 / 关键词列出已缓存的会议 (最近更新在前)。
func (s *SnapshotStore) List(ctx context.Context, f ListFilter) ([]SnapshotRow, error) {
	if s.pool == nil {
		return nil, apperrors.New("SnapshotStore.List", "pool is required")
	}
	sql, params := listQuery(f)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "SnapshotStore.List", "query snapshots")
	}
	items, err := collectRows[SnapshotRow](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "SnapshotStore.List", "scan snapshots")
	}
	return items, nil
}

func listQuery(f ListFilter) (string, []any) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return NewQueryBuilder().
		Eq("status", strings.TrimSpace(f.Status)).
		KeywordLike(strings.TrimSpace(f.Keyword), "meeting_id").
		Build(`SELECT `+snapshotColumns+` FROM meeting_snapshots`, "updated_at DESC", limit)
}

// Delete 删除会议快照 (消息级联删除)。
func (s *SnapshotStore) Delete(ctx context.Context, meetingID string) error {
	if s.pool == nil {
		return apperrors.New("SnapshotStore.Delete", "pool is required")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM meeting_snapshots WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return apperrors.Wrap(err, "SnapshotStore.Delete", "delete snapshot")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, "SnapshotStore.Delete", "meeting %s", meetingID)
	}
	return nil
}
