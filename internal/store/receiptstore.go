package store

import (
	"context"

	"go-chat/internal/models"
)

// 群消息回执：message_recipients 每个 (消息, 成员) 一行，
// 状态只能 pending -> delivered，写入顺序与扇出顺序无关。

// AddReceipts 批量写入 pending 回执；INSERT IGNORE 保证不覆盖已 delivered 的行。
func (s *SQLMessageStore) AddReceipts(ctx context.Context, messageID int64, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
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
	stmt, err := tx.PrepareContext(ctx, `INSERT IGNORE INTO message_recipients(message_id, user_id, status) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, uid := range memberIDs {
		if _, err = stmt.ExecContext(ctx, messageID, uid, models.StatusPending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkReceiptDelivered 回执置为 delivered；行不存在时直接写入 delivered，
// 已 delivered 的行保持不变（单向）。
func (s *SQLMessageStore) MarkReceiptDelivered(ctx context.Context, messageID, userID int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO message_recipients(message_id, user_id, status) VALUES(?,?,?) ON DUPLICATE KEY UPDATE status=?`,
		messageID, userID, models.StatusDelivered, models.StatusDelivered)
	return err
}

// MarkUndelivered 回退投递标记：单聊按收件人回退消息状态，群聊回退该成员的回执。
// 两条 UPDATE 各自按条件命中，消息种类不同的一条影响 0 行。
func (s *SQLMessageStore) MarkUndelivered(ctx context.Context, messageID, userID int64) error {
	if _, err := s.DB.ExecContext(ctx, `UPDATE messages SET status=? WHERE id=? AND kind='p2p' AND recipient_id=?`,
		models.StatusPending, messageID, userID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE message_recipients SET status=? WHERE message_id=? AND user_id=?`,
		models.StatusPending, messageID, userID)
	return err
}
