package store

import (
	"context"
	"database/sql"
	"time"

	"go-chat/internal/models"
)

// SQLMessageStore 基于 SQL 的消息存储实现（MySQL 兼容）。
// 约束：
// - messages.id 为 AUTO_INCREMENT，天然严格递增，作为权威排序
// - conversations 以会话键为主键，last_message_id 只升不降
// - message_recipients 以 (message_id, user_id) 唯一键保障回执幂等
type SQLMessageStore struct{ DB *sql.DB }

func NewSQLMessageStore(db *sql.DB) *SQLMessageStore { return &SQLMessageStore{DB: db} }

// Insert 在单个事务内写入消息并抬高会话索引，提交后回填自增 ID。
func (s *SQLMessageStore) Insert(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(conv_key, sender_id, recipient_id, kind, content, status, created_at) VALUES(?,?,?,?,?,?,?)`,
		m.ConvKey(), m.SenderID, m.RecipientID, m.Kind, m.Content, m.Status, m.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err = s.touchConversation(ctx, tx, m, id); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	m.ID = id
	return nil
}

// MarkDelivered 置为 delivered；未知 ID 的 UPDATE 影响 0 行，静默。
func (s *SQLMessageStore) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET status=? WHERE id=?`, models.StatusDelivered, id)
	return err
}

// Page 按会话键翻页：取 id<beforeID 中 ID 最大的 limit 条，升序返回。
func (s *SQLMessageStore) Page(ctx context.Context, convKey string, limit int, beforeID int64) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.DB.QueryContext(ctx, `SELECT * FROM (SELECT id, sender_id, recipient_id, kind, content, status, created_at FROM messages WHERE conv_key=? AND id<? ORDER BY id DESC LIMIT ?) t ORDER BY t.id ASC`, convKey, beforeID, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT * FROM (SELECT id, sender_id, recipient_id, kind, content, status, created_at FROM messages WHERE conv_key=? ORDER BY id DESC LIMIT ?) t ORDER BY t.id ASC`, convKey, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PendingFor 积压 = 单聊 pending 消息 ∪ 该用户回执 pending 的群消息，按 ID 升序。
func (s *SQLMessageStore) PendingFor(ctx context.Context, userID int64) ([]*models.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT * FROM (
		SELECT id, sender_id, recipient_id, kind, content, status, created_at FROM messages WHERE kind='p2p' AND recipient_id=? AND status='pending'
		UNION ALL
		SELECT m.id, m.sender_id, m.recipient_id, m.kind, m.content, m.status, m.created_at FROM messages m JOIN message_recipients r ON r.message_id=m.id WHERE m.kind='group' AND r.user_id=? AND r.status='pending'
	) t ORDER BY t.id ASC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var res []*models.Message
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Kind, &m.Content, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
