package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go-chat/internal/hub"
	"go-chat/internal/models"
	"go-chat/internal/store/memstore"
)

func newTestService() (*DeliveryService, *memstore.Store) {
	ms := memstore.New()
	return NewDeliveryService(ms, ms, ms, hub.New(64)), ms
}

func mustUser(t *testing.T, ms *memstore.Store, name string) int64 {
	t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com", Password: "x"}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u.ID
}

func recvMessage(t *testing.T, c *hub.Conn) (hub.Frame, *models.Message) {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		if !ok {
			t.Fatal("frame channel closed")
		}
		var m models.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f, &m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return hub.Frame{}, nil
}

func TestSendP2PValidation(t *testing.T) {
	svc, ms := newTestService()
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")

	if _, err := svc.SendP2P(ctx, alice, bob, ""); err != ErrEmptyContent {
		t.Fatalf("empty content: got %v, want ErrEmptyContent", err)
	}
	if _, err := svc.SendP2P(ctx, alice, alice, "hi"); err != ErrSelfAddressed {
		t.Fatalf("self send: got %v, want ErrSelfAddressed", err)
	}
	if _, err := svc.SendP2P(ctx, alice, 999, "hi"); err != ErrUnknownRecipient {
		t.Fatalf("unknown recipient: got %v, want ErrUnknownRecipient", err)
	}
}

func TestSendP2POfflineStaysPending(t *testing.T) {
	svc, ms := newTestService()
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")

	m, err := svc.SendP2P(ctx, alice, bob, "hello")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}
	if m.Status != models.StatusPending {
		t.Fatalf("offline send status = %q, want pending", m.Status)
	}
	pending, _ := ms.PendingFor(ctx, bob)
	if len(pending) != 1 || pending[0].ID != m.ID {
		t.Fatalf("PendingFor(bob) = %v, want the message", pending)
	}
}

func TestSendP2POnlineDelivered(t *testing.T) {
	svc, ms := newTestService()
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")

	conn := svc.Connect(ctx, bob)
	svc.Flush(ctx, conn)

	m, err := svc.SendP2P(ctx, alice, bob, "hello")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}
	if m.Status != models.StatusDelivered {
		t.Fatalf("online send status = %q, want delivered", m.Status)
	}
	f, got := recvMessage(t, conn)
	if f.MsgID != m.ID || got.Content != "hello" || got.Status != models.StatusDelivered {
		t.Fatalf("frame = %d %+v, want delivered message %d", f.MsgID, got, m.ID)
	}
	if pending, _ := ms.PendingFor(ctx, bob); len(pending) != 0 {
		t.Fatalf("delivered message still pending: %v", pending)
	}
}

func TestSendP2PEchoesToSender(t *testing.T) {
	svc, ms := newTestService()
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")

	conn := svc.Connect(ctx, alice)
	svc.Flush(ctx, conn)

	m, err := svc.SendP2P(ctx, alice, bob, "hello")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}
	f, got := recvMessage(t, conn)
	if f.MsgID != 0 {
		t.Fatalf("echo frame MsgID = %d, want 0", f.MsgID)
	}
	// 回显携带最终状态：收件人离线即 pending
	if got.ID != m.ID || got.Status != models.StatusPending {
		t.Fatalf("echo = %+v, want pending message %d", got, m.ID)
	}
}

func TestSendGroupFanout(t *testing.T) {
	svc, ms := newTestService()
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")
	carol := mustUser(t, ms, "carol")
	dave := mustUser(t, ms, "dave")

	g := &models.Group{Name: "team", OwnerID: alice}
	if err := ms.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for _, uid := range []int64{alice, bob, carol} {
		_ = ms.AddMember(ctx, g.ID, uid)
	}

	if _, err := svc.SendGroup(ctx, alice, 999, "hi"); err != ErrUnknownGroup {
		t.Fatalf("unknown group: got %v, want ErrUnknownGroup", err)
	}
	if _, err := svc.SendGroup(ctx, dave, g.ID, "hi"); err != ErrNotAMember {
		t.Fatalf("non-member send: got %v, want ErrNotAMember", err)
	}

	conn := svc.Connect(ctx, bob)
	svc.Flush(ctx, conn)

	m, err := svc.SendGroup(ctx, alice, g.ID, "standup in 5")
	if err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	f, got := recvMessage(t, conn)
	if f.MsgID != m.ID || got.Kind != models.KindGroup || got.Status != models.StatusDelivered {
		t.Fatalf("bob's frame = %d %+v, want delivered group message %d", f.MsgID, got, m.ID)
	}
	if pending, _ := ms.PendingFor(ctx, bob); len(pending) != 0 {
		t.Fatalf("online member still pending: %v", pending)
	}
	if pending, _ := ms.PendingFor(ctx, carol); len(pending) != 1 || pending[0].ID != m.ID {
		t.Fatalf("PendingFor(carol) = %v, want the group message", pending)
	}
	// 发送者不收回执
	if pending, _ := ms.PendingFor(ctx, alice); len(pending) != 0 {
		t.Fatalf("sender has pending receipts: %v", pending)
	}
}

func TestFlushReplaysBacklogInOrder(t *testing.T) {
	svc, ms := newTestService()
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")

	var ids []int64
	for i := 0; i < 3; i++ {
		m, err := svc.SendP2P(ctx, alice, bob, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("SendP2P: %v", err)
		}
		ids = append(ids, m.ID)
	}

	conn := svc.Connect(ctx, bob)
	svc.Flush(ctx, conn)
	for i, want := range ids {
		f, got := recvMessage(t, conn)
		if f.MsgID != want || got.Status != models.StatusDelivered {
			t.Fatalf("replay[%d] = %d %q, want delivered %d", i, f.MsgID, got.Status, want)
		}
	}
	if pending, _ := ms.PendingFor(ctx, bob); len(pending) != 0 {
		t.Fatalf("backlog not cleared: %v", pending)
	}

	// 二次连接不应重复重放
	svc.Disconnect(ctx, conn)
	conn = svc.Connect(ctx, bob)
	svc.Flush(ctx, conn)
	select {
	case f, ok := <-conn.Frames():
		if ok {
			t.Fatalf("unexpected duplicate replay: frame %d", f.MsgID)
		}
	default:
	}
}

func TestFlushSaturatedBufferRequeues(t *testing.T) {
	ms := memstore.New()
	svc := NewDeliveryService(ms, ms, ms, hub.New(1))
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")

	backlog, err := svc.SendP2P(ctx, alice, bob, "backlog")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}

	conn := svc.Connect(ctx, bob)
	// 重放完成前到达的实时消息被暂存
	live, err := svc.SendP2P(ctx, alice, bob, "live")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}

	// 缓冲只容一帧：重放占满后暂存帧补发失败，必须回到积压而不是丢失
	svc.Flush(ctx, conn)
	f, got := recvMessage(t, conn)
	if f.MsgID != backlog.ID || got.Content != "backlog" {
		t.Fatalf("frame = %d %q, want replayed backlog %d", f.MsgID, got.Content, backlog.ID)
	}
	pending, _ := ms.PendingFor(ctx, bob)
	if len(pending) != 1 || pending[0].ID != live.ID {
		t.Fatalf("PendingFor(bob) = %v, want the undelivered live message %d", pending, live.ID)
	}

	// 重连后补投
	svc.Disconnect(ctx, conn)
	conn = svc.Connect(ctx, bob)
	svc.Flush(ctx, conn)
	f, got = recvMessage(t, conn)
	if f.MsgID != live.ID || got.Content != "live" {
		t.Fatalf("frame = %d %q, want requeued message %d", f.MsgID, got.Content, live.ID)
	}
	if pending, _ := ms.PendingFor(ctx, bob); len(pending) != 0 {
		t.Fatalf("backlog not cleared: %v", pending)
	}
}

func TestHistoryChecks(t *testing.T) {
	svc, ms := newTestService()
	ctx := context.Background()
	alice := mustUser(t, ms, "alice")
	bob := mustUser(t, ms, "bob")

	if _, err := svc.HistoryP2P(ctx, alice, alice, 10, 0); err != ErrSelfAddressed {
		t.Fatalf("self history: got %v, want ErrSelfAddressed", err)
	}
	if _, err := svc.HistoryGroup(ctx, alice, 999, 10, 0); err != ErrUnknownGroup {
		t.Fatalf("unknown group history: got %v, want ErrUnknownGroup", err)
	}

	g := &models.Group{Name: "team", OwnerID: alice}
	_ = ms.CreateGroup(ctx, g)
	_ = ms.AddMember(ctx, g.ID, alice)
	if _, err := svc.HistoryGroup(ctx, bob, g.ID, 10, 0); err != ErrNotAMember {
		t.Fatalf("non-member history: got %v, want ErrNotAMember", err)
	}

	m, err := svc.SendP2P(ctx, alice, bob, "hello")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}
	msgs, err := svc.HistoryP2P(ctx, bob, alice, 10, 0)
	if err != nil {
		t.Fatalf("HistoryP2P: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("history = %v, want message %d", msgs, m.ID)
	}
}
