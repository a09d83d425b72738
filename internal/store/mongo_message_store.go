package store

import (
	"context"
	"time"

	"go-chat/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMessageStore 基于 MongoDB 的消息存储实现。
// - 消息 ID 来自 counters 集合的原子自增，保证全局严格递增
// - receipts 上建 (message_id, user_id) 唯一索引保障回执幂等
// - conversations 用 $max 抬高 last_message_id，只升不降
// - RecentFor 依赖 Groups 查询用户当前所在群
type MongoMessageStore struct {
	DB     *mongo.Database
	Groups GroupStore
}

func NewMongoMessageStore(db *mongo.Database, groups GroupStore) *MongoMessageStore {
	ms := &MongoMessageStore{DB: db, Groups: groups}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conv_key", Value: 1}, {Key: "_id", Value: -1}},
		Options: options.Index().SetName("idx_conv_id"),
	})
	_, _ = ms.receipts().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_msg_user"),
	})
	return ms
}

// mongoMessage 为存储层内部结构，_id 即消息 ID。
type mongoMessage struct {
	ID          int64     `bson:"_id"`
	ConvKey     string    `bson:"conv_key"`
	SenderID    int64     `bson:"sender_id"`
	RecipientID int64     `bson:"recipient_id"`
	Kind        string    `bson:"kind"`
	Content     string    `bson:"content"`
	Status      string    `bson:"status"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (d *mongoMessage) toModel() *models.Message {
	return &models.Message{
		ID:          d.ID,
		SenderID:    d.SenderID,
		RecipientID: d.RecipientID,
		Kind:        models.MessageKind(d.Kind),
		Content:     d.Content,
		Status:      models.MessageStatus(d.Status),
		CreatedAt:   d.CreatedAt,
	}
}

func (s *MongoMessageStore) collection() *mongo.Collection    { return s.DB.Collection("messages") }
func (s *MongoMessageStore) receipts() *mongo.Collection      { return s.DB.Collection("message_recipients") }
func (s *MongoMessageStore) conversations() *mongo.Collection { return s.DB.Collection("conversations") }
func (s *MongoMessageStore) counters() *mongo.Collection      { return s.DB.Collection("counters") }

// nextID 从 counters 集合原子自增取号。
func (s *MongoMessageStore) nextID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters().FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: "message_id"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

// Insert 取号、写消息并以 $max 抬高会话索引。
func (s *MongoMessageStore) Insert(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	doc := &mongoMessage{
		ID:          id,
		ConvKey:     m.ConvKey(),
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Kind:        string(m.Kind),
		Content:     m.Content,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
	}
	if _, err := s.collection().InsertOne(ctx, doc); err != nil {
		return err
	}

	var userA, userB, groupID int64
	if m.Kind == models.KindGroup {
		groupID = m.RecipientID
	} else {
		userA, userB = m.SenderID, m.RecipientID
		if userA > userB {
			userA, userB = userB, userA
		}
	}
	_, err = s.conversations().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: doc.ConvKey}},
		bson.D{
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "kind", Value: string(m.Kind)},
				{Key: "user_a", Value: userA},
				{Key: "user_b", Value: userB},
				{Key: "group_id", Value: groupID},
			}},
			{Key: "$max", Value: bson.D{{Key: "last_message_id", Value: id}}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// MarkDelivered 置为 delivered；未知 ID 匹配 0 文档，静默。
func (s *MongoMessageStore) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(models.StatusDelivered)}}}},
	)
	return err
}

// Page 取 _id<beforeID 中最大的 limit 条，反转为升序返回。
func (s *MongoMessageStore) Page(ctx context.Context, convKey string, limit int, beforeID int64) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	filter := bson.D{{Key: "conv_key", Value: convKey}}
	if beforeID > 0 {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$lt", Value: beforeID}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var page []*models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		page = append(page, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// PendingFor 积压 = 单聊 pending 消息 ∪ 回执 pending 的群消息，按 ID 升序。
func (s *MongoMessageStore) PendingFor(ctx context.Context, userID int64) ([]*models.Message, error) {
	var out []*models.Message

	cursor, err := s.collection().Find(ctx, bson.D{
		{Key: "kind", Value: string(models.KindP2P)},
		{Key: "recipient_id", Value: userID},
		{Key: "status", Value: string(models.StatusPending)},
	})
	if err != nil {
		return nil, err
	}
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err == nil {
			out = append(out, doc.toModel())
		}
	}
	cursor.Close(ctx)

	rc, err := s.receipts().Find(ctx, bson.D{
		{Key: "user_id", Value: userID},
		{Key: "status", Value: string(models.StatusPending)},
	})
	if err != nil {
		return nil, err
	}
	var msgIDs []int64
	for rc.Next(ctx) {
		var r struct {
			MessageID int64 `bson:"message_id"`
		}
		if err := rc.Decode(&r); err == nil {
			msgIDs = append(msgIDs, r.MessageID)
		}
	}
	rc.Close(ctx)
	if len(msgIDs) > 0 {
		mc, err := s.collection().Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: msgIDs}}}})
		if err != nil {
			return nil, err
		}
		for mc.Next(ctx) {
			var doc mongoMessage
			if err := mc.Decode(&doc); err == nil {
				out = append(out, doc.toModel())
			}
		}
		mc.Close(ctx)
	}

	sortByID(out)
	return out, nil
}

func sortByID(msgs []*models.Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].ID > msgs[j].ID; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// AddReceipts 批量 upsert pending 回执；$setOnInsert 不覆盖已 delivered 的行。
func (s *MongoMessageStore) AddReceipts(ctx context.Context, messageID int64, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
	}
	ops := make([]mongo.WriteModel, 0, len(memberIDs))
	for _, uid := range memberIDs {
		ops = append(ops, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "message_id", Value: messageID}, {Key: "user_id", Value: uid}}).
			SetUpdate(bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "status", Value: string(models.StatusPending)}}}}).
			SetUpsert(true))
	}
	_, err := s.receipts().BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false))
	return err
}

// MarkReceiptDelivered 回执置为 delivered，行不存在时直接写入。
func (s *MongoMessageStore) MarkReceiptDelivered(ctx context.Context, messageID, userID int64) error {
	_, err := s.receipts().UpdateOne(ctx,
		bson.D{{Key: "message_id", Value: messageID}, {Key: "user_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(models.StatusDelivered)}}}},
		options.Update().SetUpsert(true),
	)
	return err
}

// MarkUndelivered 回退投递标记：单聊按收件人回退消息状态，群聊回退该成员的回执。
func (s *MongoMessageStore) MarkUndelivered(ctx context.Context, messageID, userID int64) error {
	_, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: messageID}, {Key: "kind", Value: string(models.KindP2P)}, {Key: "recipient_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(models.StatusPending)}}}},
	)
	if err != nil {
		return err
	}
	_, err = s.receipts().UpdateOne(ctx,
		bson.D{{Key: "message_id", Value: messageID}, {Key: "user_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(models.StatusPending)}}}},
	)
	return err
}

// RecentFor 拉取会话列表：单聊按参与者、群聊按当前成员，取每会话最新消息倒序。
func (s *MongoMessageStore) RecentFor(ctx context.Context, userID int64) ([]*models.Message, error) {
	groupIDs, err := s.Groups.ListUserGroupIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "kind", Value: string(models.KindP2P)}, {Key: "user_a", Value: userID}},
		bson.D{{Key: "kind", Value: string(models.KindP2P)}, {Key: "user_b", Value: userID}},
		bson.D{{Key: "kind", Value: string(models.KindGroup)}, {Key: "group_id", Value: bson.D{{Key: "$in", Value: groupIDs}}}},
	}}}
	cursor, err := s.conversations().Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var lastIDs []int64
	for cursor.Next(ctx) {
		var c struct {
			LastMessageID int64 `bson:"last_message_id"`
		}
		if err := cursor.Decode(&c); err == nil && c.LastMessageID > 0 {
			lastIDs = append(lastIDs, c.LastMessageID)
		}
	}
	if len(lastIDs) == 0 {
		return nil, nil
	}
	mc, err := s.collection().Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: lastIDs}}}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer mc.Close(ctx)
	var out []*models.Message
	for mc.Next(ctx) {
		var doc mongoMessage
		if err := mc.Decode(&doc); err == nil {
			out = append(out, doc.toModel())
		}
	}
	return out, mc.Err()
}
