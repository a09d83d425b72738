package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go-chat/internal/models"
)

// 群组与成员存储
type SQLGroupStore struct{ DB *sql.DB }

func NewSQLGroupStore(db *sql.DB) *SQLGroupStore { return &SQLGroupStore{DB: db} }

// 创建群组
func (s *SQLGroupStore) CreateGroup(ctx context.Context, g *models.Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO `+"`groups`"+`(name, owner_id, created_at) VALUES(?,?,?)`, g.Name, g.OwnerID, g.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	g.ID = id
	return nil
}

// 按 ID 查询群组；不存在返回 (nil, nil)
func (s *SQLGroupStore) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	g := &models.Group{}
	err := s.DB.QueryRowContext(ctx, `SELECT id, name, owner_id, created_at FROM `+"`groups`"+` WHERE id=?`, id).Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return g, nil
}

// 添加成员；重复添加无害
func (s *SQLGroupStore) AddMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT IGNORE INTO group_members(group_id, user_id, created_at) VALUES(?,?,?)`, groupID, userID, time.Now())
	return err
}

// 是否群成员
func (s *SQLGroupStore) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var x int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM group_members WHERE group_id=? AND user_id=?`, groupID, userID).Scan(&x)
	if err != nil {
		return false, err
	}
	return x > 0, nil
}

// 列出群所有成员 ID
func (s *SQLGroupStore) ListMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	return s.scanIDs(ctx, `SELECT user_id FROM group_members WHERE group_id=? ORDER BY user_id ASC`, groupID)
}

// 列出用户所在的群 ID
func (s *SQLGroupStore) ListUserGroupIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.scanIDs(ctx, `SELECT group_id FROM group_members WHERE user_id=? ORDER BY group_id ASC`, userID)
}

func (s *SQLGroupStore) scanIDs(ctx context.Context, query string, arg int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}
