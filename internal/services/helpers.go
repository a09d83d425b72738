package services

import (
	"errors"

	"go-chat/internal/models"
)

// 发送校验的业务错误；传输层据此映射 HTTP 状态码。
var (
	ErrEmptyContent     = errors.New("content must not be empty")
	ErrSelfAddressed    = errors.New("cannot send message to yourself")
	ErrUnknownRecipient = errors.New("recipient does not exist")
	ErrUnknownGroup     = errors.New("group does not exist")
	ErrNotAMember       = errors.New("not a member of this group")
)

func ToKind(s string) models.MessageKind {
	switch s {
	case string(models.KindGroup):
		return models.KindGroup
	default:
		return models.KindP2P
	}
}
