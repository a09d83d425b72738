// Package services 实现业务服务：消息入库、在线投递与离线积压重放。
package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go-chat/internal/cache"
	"go-chat/internal/hub"
	"go-chat/internal/metrics"
	"go-chat/internal/models"
	"go-chat/internal/mq"
	"go-chat/internal/store"
)

// DeliveryService 负责消息生命周期：
// - SendP2P/SendGroup：校验、入库（先持久化）、尝试在线投递、回显给发送方
// - Connect/Disconnect：连接注册、积压重放、在线状态维护
// - HistoryP2P/HistoryGroup：按游标翻页历史
// - Recent：会话列表（每会话最新一条，按消息 ID 倒序）
// 投递失败不向发送方报错，消息保持 pending 等待重放。
type DeliveryService struct {
	Messages store.MessageStore
	Users    store.UserStore
	Groups   store.GroupStore
	Hub      *hub.Hub
	Producer *mq.KafkaProducer // 可选：群回执扇出走 Kafka

	FanoutBatchSize  int
	FanoutBatchSleep time.Duration
	EnableMetrics    bool
}

func NewDeliveryService(ms store.MessageStore, us store.UserStore, gs store.GroupStore, h *hub.Hub) *DeliveryService {
	return &DeliveryService{Messages: ms, Users: us, Groups: gs, Hub: h}
}

// SendP2P 处理单聊发送：
// 1) 校验内容、收件人存在且不是自己
// 2) 以 pending 入库（入库成功即对历史可见）
// 3) 推给收件人，成功则标记 delivered；任何情况下回显给发送方
func (s *DeliveryService) SendP2P(ctx context.Context, from, to int64, content string) (*models.Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if from == to {
		return nil, ErrSelfAddressed
	}
	u, err := s.Users.GetByID(ctx, to)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUnknownRecipient
	}

	m := &models.Message{SenderID: from, RecipientID: to, Kind: models.KindP2P, Content: content, Status: models.StatusPending}
	if err := s.Messages.Insert(ctx, m); err != nil {
		log.Printf("Delivery.Insert error: from=%d to=%d err=%v", from, to, err)
		return nil, err
	}
	if s.EnableMetrics {
		metrics.MessagesTotal.WithLabelValues(string(models.KindP2P)).Inc()
	}

	if s.pushMessage(to, m) {
		if err := s.Messages.MarkDelivered(ctx, m.ID); err != nil {
			log.Printf("Delivery.MarkDelivered error: id=%d err=%v", m.ID, err)
		}
		m.Status = models.StatusDelivered
	}
	s.echo(from, m)
	return m, nil
}

// SendGroup 处理群聊发送：
// 1) 校验群存在且发送者是成员
// 2) 以 pending 入库，为除发送者外的成员写入回执（Kafka 或同步）
// 3) 推给在线成员并标记其回执 delivered；整条消息在扇出尝试后置 delivered
func (s *DeliveryService) SendGroup(ctx context.Context, from, groupID int64, content string) (*models.Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	g, err := s.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrUnknownGroup
	}
	ok, err := s.Groups.IsMember(ctx, groupID, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}

	m := &models.Message{SenderID: from, RecipientID: groupID, Kind: models.KindGroup, Content: content, Status: models.StatusPending}
	if err := s.Messages.Insert(ctx, m); err != nil {
		log.Printf("Delivery.Insert error: from=%d group=%d err=%v", from, groupID, err)
		return nil, err
	}
	if s.EnableMetrics {
		metrics.MessagesTotal.WithLabelValues(string(models.KindGroup)).Inc()
	}

	members, err := s.Groups.ListMemberIDs(ctx, groupID)
	if err != nil {
		log.Printf("Delivery.ListMemberIDs error: group=%d err=%v", groupID, err)
		members = nil
	}
	recipients := make([]int64, 0, len(members))
	for _, uid := range members {
		if uid != from {
			recipients = append(recipients, uid)
		}
	}

	// 回执写入：有 Kafka 时交给独立消费者批量处理，否则同步分批写入
	if s.Producer != nil {
		payload, _ := json.Marshal(&mq.FanoutEvent{MessageID: m.ID, GroupID: groupID, SenderID: from, TS: time.Now().UnixMilli()})
		s.Producer.Publish(payload, groupID)
		log.Printf("Delivery.Fanout publish MQ: group=%d msg=%d members=%d", groupID, m.ID, len(recipients))
	} else {
		batch := s.FanoutBatchSize
		if batch <= 0 {
			batch = 500
		}
		for i := 0; i < len(recipients); i += batch {
			end := i + batch
			if end > len(recipients) {
				end = len(recipients)
			}
			if err := s.Messages.AddReceipts(ctx, m.ID, recipients[i:end]); err != nil {
				log.Printf("Delivery.AddReceipts error: msg=%d err=%v", m.ID, err)
			}
			if end < len(recipients) && s.FanoutBatchSleep > 0 {
				time.Sleep(s.FanoutBatchSleep)
			}
		}
	}

	// 在线成员实时投递；回执是 upsert，与消费者的 pending 写入顺序无关
	for _, uid := range recipients {
		if s.pushMessage(uid, m) {
			if err := s.Messages.MarkReceiptDelivered(ctx, m.ID, uid); err != nil {
				log.Printf("Delivery.MarkReceiptDelivered error: msg=%d user=%d err=%v", m.ID, uid, err)
			}
		}
	}

	// 整条消息的聚合状态在扇出尝试后置 delivered；按成员状态见回执
	if err := s.Messages.MarkDelivered(ctx, m.ID); err != nil {
		log.Printf("Delivery.MarkDelivered error: id=%d err=%v", m.ID, err)
	}
	m.Status = models.StatusDelivered
	s.echo(from, m)
	return m, nil
}

// pushMessage 将消息推给某用户；到达即视为 delivered，帧内状态随之标记。
func (s *DeliveryService) pushMessage(userID int64, m *models.Message) bool {
	cp := *m
	cp.Status = models.StatusDelivered
	data, _ := json.Marshal(&cp)
	if !s.Hub.Push(userID, m.ID, data) {
		return false
	}
	if s.EnableMetrics {
		metrics.DeliveriesTotal.WithLabelValues("live").Inc()
	}
	return true
}

// echo 回显给发送方；发送方不在线则静默丢弃。
func (s *DeliveryService) echo(userID int64, m *models.Message) {
	data, _ := json.Marshal(m)
	_ = s.Hub.Push(userID, 0, data)
}

// Connect 为用户建立连接并重放积压。旧连接被原子替换。
func (s *DeliveryService) Connect(ctx context.Context, userID int64) *hub.Conn {
	c := s.Hub.Register(userID)
	_ = cache.SetOnline(ctx, userID)
	return c
}

// Flush 重放积压：按 ID 升序逐条写入连接并标记 delivered；
// 缓冲写满即中止，剩余保持 pending 留待下次连接。
// 结束后连接转入 active，重放期间暂存的实时帧去重后补发。
func (s *DeliveryService) Flush(ctx context.Context, c *hub.Conn) {
	pending, err := s.Messages.PendingFor(ctx, c.UserID)
	if err != nil {
		log.Printf("Delivery.PendingFor error: user=%d err=%v", c.UserID, err)
		s.endFlush(ctx, c, nil)
		return
	}
	replayed := make(map[int64]bool, len(pending))
	for _, m := range pending {
		cp := *m
		cp.Status = models.StatusDelivered
		data, _ := json.Marshal(&cp)
		if !c.Replay(m.ID, data) {
			log.Printf("Delivery.Flush aborted: user=%d replayed=%d pending=%d", c.UserID, len(replayed), len(pending))
			break
		}
		if m.Kind == models.KindGroup {
			_ = s.Messages.MarkReceiptDelivered(ctx, m.ID, c.UserID)
		} else {
			_ = s.Messages.MarkDelivered(ctx, m.ID)
		}
		replayed[m.ID] = true
		if s.EnableMetrics {
			metrics.DeliveriesTotal.WithLabelValues("replay").Inc()
		}
	}
	s.endFlush(ctx, c, replayed)
}

// endFlush 结束重放阶段。重放期间暂存的实时帧在入队时已被标记 delivered；
// 补发失败（缓冲写满）的帧并未到达连接，必须回退为 pending 重新进入积压。
func (s *DeliveryService) endFlush(ctx context.Context, c *hub.Conn, replayed map[int64]bool) {
	for _, id := range c.EndFlush(replayed) {
		if err := s.Messages.MarkUndelivered(ctx, id, c.UserID); err != nil {
			log.Printf("Delivery.MarkUndelivered error: msg=%d user=%d err=%v", id, c.UserID, err)
		}
	}
}

// Disconnect 注销连接；未投递消息保持 pending，不设超时。
func (s *DeliveryService) Disconnect(ctx context.Context, c *hub.Conn) {
	s.Hub.Unregister(c)
	_ = cache.SetOffline(ctx, c.UserID)
}

// HistoryP2P 拉取与 peer 的单聊历史；peer 不可为自己。
func (s *DeliveryService) HistoryP2P(ctx context.Context, me, peer int64, limit int, beforeID int64) ([]*models.Message, error) {
	if peer == me {
		return nil, ErrSelfAddressed
	}
	return s.Messages.Page(ctx, models.ConvKeyP2P(me, peer), limit, beforeID)
}

// HistoryGroup 拉取群历史；仅成员可见。
func (s *DeliveryService) HistoryGroup(ctx context.Context, me, groupID int64, limit int, beforeID int64) ([]*models.Message, error) {
	g, err := s.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrUnknownGroup
	}
	ok, err := s.Groups.IsMember(ctx, groupID, me)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}
	return s.Messages.Page(ctx, models.ConvKeyGroup(groupID), limit, beforeID)
}

// Recent 返回会话列表：每个参与会话的最新一条消息，按消息 ID 倒序。
func (s *DeliveryService) Recent(ctx context.Context, me int64) ([]*models.Message, error) {
	return s.Messages.RecentFor(ctx, me)
}
