package store

import (
	"context"
	"errors"

	"go-chat/internal/models"
)

// ErrDuplicateUser 表示用户名或邮箱已被占用。
var ErrDuplicateUser = errors.New("username or email already taken")

// MessageStore 抽象消息日志与会话索引，便于切换 MySQL/MongoDB/内存实现：
// - Insert：追加消息并分配严格递增 ID，同时抬高会话索引（事务内）
// - MarkDelivered：pending -> delivered，幂等；未知 ID 静默
// - Page：按会话键游标翻页，页内升序
// - PendingFor：某用户的未投递积压（单聊 pending + 群回执 pending），按 ID 升序
// - AddReceipts/MarkReceiptDelivered：群消息按成员的投递回执
// - RecentFor：每个参与会话取最新一条消息，按 ID 倒序
type MessageStore interface {
	// Insert 写入消息并回填 m.ID；ID 分配与会话索引更新是单个临界区。
	Insert(ctx context.Context, m *models.Message) error
	// MarkDelivered 将消息状态置为 delivered；重复调用与未知 ID 都不报错。
	MarkDelivered(ctx context.Context, id int64) error
	// Page 拉取会话历史：候选为 id<beforeID（beforeID=0 表示不限），
	// 取 ID 最大的 limit 条，按 ID 升序返回；空页表示游标耗尽。
	Page(ctx context.Context, convKey string, limit int, beforeID int64) ([]*models.Message, error)
	// PendingFor 返回用户的未投递积压，按 ID 升序。
	PendingFor(ctx context.Context, userID int64) ([]*models.Message, error)
	// AddReceipts 为群消息写入成员的 pending 回执；已存在（含 delivered）不覆盖。
	AddReceipts(ctx context.Context, messageID int64, memberIDs []int64) error
	// MarkReceiptDelivered 将某成员的回执置为 delivered；回执行不存在时直接写入 delivered。
	MarkReceiptDelivered(ctx context.Context, messageID, userID int64) error
	// MarkUndelivered 回退投递标记：单聊消息按收件人回到 pending，
	// 群聊回退该成员的回执。用于补发失败的消息重新进入积压。
	MarkUndelivered(ctx context.Context, messageID, userID int64) error
	// RecentFor 返回用户参与的每个会话的最新一条消息，按 ID 倒序。
	// 群会话以当前成员身份为准。
	RecentFor(ctx context.Context, userID int64) ([]*models.Message, error)
}

// UserStore 抽象用户存储。
type UserStore interface {
	// CreateUser 写入用户并回填 ID；用户名/邮箱冲突返回 ErrDuplicateUser。
	CreateUser(ctx context.Context, u *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// GroupStore 抽象群组与成员存储。
type GroupStore interface {
	// CreateGroup 写入群组并回填 ID；创建者由调用方加入成员。
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	AddMember(ctx context.Context, groupID, userID int64) error
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	ListMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
	ListUserGroupIDs(ctx context.Context, userID int64) ([]int64, error)
}
