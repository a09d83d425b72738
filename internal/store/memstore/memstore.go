// Package memstore 提供进程内存储实现，用于单机运行与测试。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-chat/internal/models"
	"go-chat/internal/store"
)

type receiptKey struct {
	messageID int64
	userID    int64
}

// Store 同时实现 MessageStore/UserStore/GroupStore。
// 所有方法共用一把锁：ID 分配与索引更新天然在同一临界区内。
type Store struct {
	mu sync.Mutex

	nextUserID  int64
	nextGroupID int64
	nextMsgID   int64

	users    map[int64]*models.User
	byName   map[string]int64
	byEmail  map[string]int64
	groups   map[int64]*models.Group
	members  map[int64]map[int64]bool // groupID -> userID 集合
	messages map[int64]*models.Message
	order    []int64 // 消息 ID，插入序即升序
	receipts map[receiptKey]models.MessageStatus
	convs    map[string]*models.Conversation
}

func New() *Store {
	return &Store{
		users:    make(map[int64]*models.User),
		byName:   make(map[string]int64),
		byEmail:  make(map[string]int64),
		groups:   make(map[int64]*models.Group),
		members:  make(map[int64]map[int64]bool),
		messages: make(map[int64]*models.Message),
		receipts: make(map[receiptKey]models.MessageStatus),
		convs:    make(map[string]*models.Conversation),
	}
}

// ---- UserStore ----

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[u.Username]; ok {
		return store.ErrDuplicateUser
	}
	if _, ok := s.byEmail[u.Email]; ok {
		return store.ErrDuplicateUser
	}
	s.nextUserID++
	u.ID = s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byName[u.Username] = u.ID
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *Store) GetByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, nil
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) GetByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *Store) ListUsers(_ context.Context) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- GroupStore ----

func (s *Store) CreateGroup(_ context.Context, g *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGroupID++
	g.ID = s.nextGroupID
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	cp := *g
	s.groups[g.ID] = &cp
	s.members[g.ID] = make(map[int64]bool)
	return nil
}

func (s *Store) GetGroup(_ context.Context, id int64) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *Store) AddMember(_ context.Context, groupID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[int64]bool)
	}
	s.members[groupID][userID] = true
	return nil
}

func (s *Store) IsMember(_ context.Context, groupID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[groupID][userID], nil
}

func (s *Store) ListMemberIDs(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for uid := range s.members[groupID] {
		ids = append(ids, uid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListUserGroupIDs(_ context.Context, userID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for gid, set := range s.members {
		if set[userID] {
			ids = append(ids, gid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ---- MessageStore ----

func (s *Store) Insert(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	m.ID = s.nextMsgID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.order = append(s.order, m.ID)

	key := m.ConvKey()
	c := s.convs[key]
	if c == nil {
		c = &models.Conversation{Key: key, Kind: m.Kind}
		if m.Kind == models.KindGroup {
			c.GroupID = m.RecipientID
		} else {
			c.UserA, c.UserB = m.SenderID, m.RecipientID
			if c.UserA > c.UserB {
				c.UserA, c.UserB = c.UserB, c.UserA
			}
		}
		s.convs[key] = c
	}
	if m.ID > c.LastMessageID {
		c.LastMessageID = m.ID
	}
	return nil
}

func (s *Store) MarkDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Status = models.StatusDelivered
	}
	return nil
}

func (s *Store) Page(_ context.Context, convKey string, limit int, beforeID int64) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// order 为升序，从尾部向前收集候选
	var page []*models.Message
	for i := len(s.order) - 1; i >= 0 && len(page) < limit; i-- {
		m := s.messages[s.order[i]]
		if m.ConvKey() != convKey {
			continue
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		cp := *m
		page = append(page, &cp)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *Store) PendingFor(_ context.Context, userID int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, id := range s.order {
		m := s.messages[id]
		switch m.Kind {
		case models.KindP2P:
			if m.RecipientID == userID && m.Status == models.StatusPending {
				cp := *m
				out = append(out, &cp)
			}
		case models.KindGroup:
			if s.receipts[receiptKey{m.ID, userID}] == models.StatusPending {
				cp := *m
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *Store) AddReceipts(_ context.Context, messageID int64, memberIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range memberIDs {
		k := receiptKey{messageID, uid}
		if _, ok := s.receipts[k]; !ok {
			s.receipts[k] = models.StatusPending
		}
	}
	return nil
}

func (s *Store) MarkReceiptDelivered(_ context.Context, messageID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[receiptKey{messageID, userID}] = models.StatusDelivered
	return nil
}

// MarkUndelivered 回退投递标记：补发失败的消息重新进入该用户的积压。
func (s *Store) MarkUndelivered(_ context.Context, messageID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil
	}
	if m.Kind == models.KindGroup {
		if _, ok := s.receipts[receiptKey{messageID, userID}]; ok {
			s.receipts[receiptKey{messageID, userID}] = models.StatusPending
		}
	} else if m.RecipientID == userID {
		m.Status = models.StatusPending
	}
	return nil
}

func (s *Store) RecentFor(_ context.Context, userID int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, c := range s.convs {
		switch c.Kind {
		case models.KindP2P:
			if c.UserA != userID && c.UserB != userID {
				continue
			}
		case models.KindGroup:
			if !s.members[c.GroupID][userID] {
				continue
			}
		}
		if m, ok := s.messages[c.LastMessageID]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
