package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go-chat/internal/models"

	"github.com/go-sql-driver/mysql"
)

// 用户存储
type SQLUserStore struct{ DB *sql.DB }

func NewSQLUserStore(db *sql.DB) *SQLUserStore { return &SQLUserStore{DB: db} }

// 创建用户；用户名/邮箱的唯一键冲突映射为 ErrDuplicateUser
func (s *SQLUserStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO users(username, email, password, created_at) VALUES(?,?,?,?)`, u.Username, u.Email, u.Password, u.CreatedAt)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return ErrDuplicateUser
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

// 按用户名查询；不存在返回 (nil, nil)
func (s *SQLUserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.scanOne(s.DB.QueryRowContext(ctx, `SELECT id, username, email, password, created_at FROM users WHERE username=?`, username))
}

// 按 ID 查询用户
func (s *SQLUserStore) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	return s.scanOne(s.DB.QueryRowContext(ctx, `SELECT id, username, email, password, created_at FROM users WHERE id=?`, userID))
}

func (s *SQLUserStore) scanOne(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// 列出全部用户（按 ID 升序）
func (s *SQLUserStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, username, email, password, created_at FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
