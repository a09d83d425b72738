package models

import (
	"fmt"
	"time"
)

// User/Group/Conversation/Message 为核心领域模型。
// Message.ID 由存储层分配，全局严格递增，作为消息的权威排序依据。

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Online    bool      `json:"online,omitempty"` // 在线状态（用户列表使用）
}

type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type GroupMember struct {
	GroupID   int64     `json:"group_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageKind 区分单聊与群聊消息。
type MessageKind string

const (
	KindP2P   MessageKind = "p2p"
	KindGroup MessageKind = "group"
)

// MessageStatus 投递状态：pending -> delivered，单向且 delivered 为终态。
// 序列化一律使用小写。
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
)

// Message 表示一条持久化消息。
// - Kind=p2p 时 RecipientID 为对端用户；Kind=group 时 RecipientID 为群 ID
// - Status 仅表示整条消息的投递状态；群聊按成员的状态见 message_recipients
type Message struct {
	ID          int64         `json:"id"`
	SenderID    int64         `json:"sender_id"`
	RecipientID int64         `json:"recipient_id"`
	Kind        MessageKind   `json:"type"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Conversation 是会话索引行：每个会话键只保留最新一条消息的 ID。
type Conversation struct {
	Key           string      `json:"key"`
	Kind          MessageKind `json:"kind"`
	UserA         int64       `json:"user_a,omitempty"`
	UserB         int64       `json:"user_b,omitempty"`
	GroupID       int64       `json:"group_id,omitempty"`
	LastMessageID int64       `json:"last_message_id"`
}

// ConvKeyP2P 返回单聊会话键；键与用户顺序无关。
func ConvKeyP2P(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("p2p:%d:%d", a, b)
}

// ConvKeyGroup 返回群聊会话键。
func ConvKeyGroup(groupID int64) string { return fmt.Sprintf("group:%d", groupID) }

// ConvKey 按消息种类计算其所属会话键。
func (m *Message) ConvKey() string {
	if m.Kind == KindGroup {
		return ConvKeyGroup(m.RecipientID)
	}
	return ConvKeyP2P(m.SenderID, m.RecipientID)
}
