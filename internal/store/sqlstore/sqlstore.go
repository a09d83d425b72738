// Package sqlstore 负责 MySQL 连接与建表。
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL,
		email VARCHAR(255) NOT NULL,
		password VARCHAR(128) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		UNIQUE KEY uniq_username (username),
		UNIQUE KEY uniq_email (email)
	)`,
	"CREATE TABLE IF NOT EXISTS `groups` (" + `
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		owner_id BIGINT NOT NULL,
		created_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		created_at DATETIME(3) NOT NULL,
		PRIMARY KEY (group_id, user_id),
		KEY idx_member_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		conv_key VARCHAR(64) NOT NULL,
		sender_id BIGINT NOT NULL,
		recipient_id BIGINT NOT NULL,
		kind VARCHAR(8) NOT NULL,
		content TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		KEY idx_conv_id (conv_key, id),
		KEY idx_pending (kind, recipient_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS message_recipients (
		message_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		PRIMARY KEY (message_id, user_id),
		KEY idx_receipt_user (user_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conv_key VARCHAR(64) NOT NULL PRIMARY KEY,
		kind VARCHAR(8) NOT NULL,
		user_a BIGINT NOT NULL DEFAULT 0,
		user_b BIGINT NOT NULL DEFAULT 0,
		group_id BIGINT NOT NULL DEFAULT 0,
		last_message_id BIGINT NOT NULL,
		KEY idx_conv_group (group_id)
	)`,
}

// EnsureSchema 按需建表，语句全部幂等。
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
