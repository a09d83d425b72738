package store

import (
	"context"
	"database/sql"

	"go-chat/internal/models"
)

// 会话索引：conversations 每个会话键一行，last_message_id 只升不降。
// touchConversation 与消息写入在同一事务内执行。
func (s *SQLMessageStore) touchConversation(ctx context.Context, tx *sql.Tx, m *models.Message, msgID int64) error {
	var userA, userB, groupID int64
	if m.Kind == models.KindGroup {
		groupID = m.RecipientID
	} else {
		userA, userB = m.SenderID, m.RecipientID
		if userA > userB {
			userA, userB = userB, userA
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO conversations(conv_key, kind, user_a, user_b, group_id, last_message_id) VALUES(?,?,?,?,?,?) ON DUPLICATE KEY UPDATE last_message_id=IF(VALUES(last_message_id)>last_message_id, VALUES(last_message_id), last_message_id)`,
		m.ConvKey(), m.Kind, userA, userB, groupID, msgID)
	return err
}

// RecentFor 按用户拉取会话列表：每个会话取最新一条消息，按消息 ID 倒序。
// 群会话以当前成员身份过滤，退群后不再出现。
func (s *SQLMessageStore) RecentFor(ctx context.Context, userID int64) ([]*models.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT m.id, m.sender_id, m.recipient_id, m.kind, m.content, m.status, m.created_at
		FROM conversations c JOIN messages m ON m.id=c.last_message_id
		WHERE (c.kind='p2p' AND (c.user_a=? OR c.user_b=?))
		   OR (c.kind='group' AND c.group_id IN (SELECT group_id FROM group_members WHERE user_id=?))
		ORDER BY m.id DESC`, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}
