package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-chat/internal/auth"
	"go-chat/internal/hub"
	"go-chat/internal/models"
	"go-chat/internal/services"
	"go-chat/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store, *services.DeliveryService) {
	t.Helper()
	ms := memstore.New()
	svc := services.NewDeliveryService(ms, ms, ms, hub.New(64))
	gw := &Server{JWTSecret: testSecret, Svc: svc}
	r := gin.New()
	r.GET("/ws", gw.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, ms, svc
}

func seedUser(t *testing.T, ms *memstore.Store, name string) int64 {
	t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com", Password: "x"}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u.ID
}

func dial(t *testing.T, srv *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	tok, err := auth.SignJWT(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + tok
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// 消费欢迎帧，返回其后的第一帧
func readWelcome(t *testing.T, c *websocket.Conn) {
	t.Helper()
	m := readJSON(t, c)
	if m["type"] != "system" || m["content"] != "connected" {
		t.Fatalf("first frame = %v, want welcome", m)
	}
}

func TestHandleRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ws?token=not-a-token")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", resp.StatusCode)
	}
}

func TestConnectReplaysBacklog(t *testing.T) {
	srv, ms, svc := newTestServer(t)
	alice := seedUser(t, ms, "alice")
	bob := seedUser(t, ms, "bob")
	ctx := context.Background()

	// bob 离线时发两条，连接后按序重放
	m1, err := svc.SendP2P(ctx, alice, bob, "first")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}
	m2, err := svc.SendP2P(ctx, alice, bob, "second")
	if err != nil {
		t.Fatalf("SendP2P: %v", err)
	}

	c := dial(t, srv, bob)
	readWelcome(t, c)
	for _, want := range []*models.Message{m1, m2} {
		got := readJSON(t, c)
		if int64(got["id"].(float64)) != want.ID || got["status"] != "delivered" {
			t.Fatalf("replayed frame = %v, want delivered message %d", got, want.ID)
		}
	}

	// 重放后积压清空
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, _ := ms.PendingFor(ctx, bob)
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backlog not cleared: %v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendBetweenClients(t *testing.T) {
	srv, ms, _ := newTestServer(t)
	alice := seedUser(t, ms, "alice")
	bob := seedUser(t, ms, "bob")

	ca := dial(t, srv, alice)
	cb := dial(t, srv, bob)
	readWelcome(t, ca)
	readWelcome(t, cb)

	if err := ca.WriteJSON(&SendPayload{RecipientID: bob, Content: "hello bob"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readJSON(t, cb)
	if got["content"] != "hello bob" || got["status"] != "delivered" || got["type"] != "p2p" {
		t.Fatalf("bob's frame = %v, want delivered p2p message", got)
	}
	if int64(got["sender_id"].(float64)) != alice {
		t.Fatalf("sender_id = %v, want %d", got["sender_id"], alice)
	}

	// 发送方收到回显
	echo := readJSON(t, ca)
	if echo["content"] != "hello bob" || echo["status"] != "delivered" {
		t.Fatalf("echo = %v, want delivered message", echo)
	}
}

func TestSendErrorsReturnedAsFrames(t *testing.T) {
	srv, ms, _ := newTestServer(t)
	alice := seedUser(t, ms, "alice")

	c := dial(t, srv, alice)
	readWelcome(t, c)

	// 发给自己
	if err := c.WriteJSON(&SendPayload{RecipientID: alice, Content: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readJSON(t, c)
	if got["type"] != "error" {
		t.Fatalf("frame = %v, want error frame", got)
	}

	// 非法 JSON
	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got = readJSON(t, c)
	if got["type"] != "error" || got["error"] != "malformed payload" {
		t.Fatalf("frame = %v, want malformed payload error", got)
	}
}

func TestNewConnectionSupersedes(t *testing.T) {
	srv, ms, _ := newTestServer(t)
	alice := seedUser(t, ms, "alice")

	c1 := dial(t, srv, alice)
	readWelcome(t, c1)
	c2 := dial(t, srv, alice)
	readWelcome(t, c2)

	// 旧连接被服务端关闭
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c1.ReadMessage(); err == nil {
		t.Fatal("old connection still readable after supersede")
	}
}
