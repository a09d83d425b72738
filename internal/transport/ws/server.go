// Package ws 提供 WebSocket 接入网关：处理认证、连接生命周期、上行发送与下行帧分发。
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"go-chat/internal/auth"
	"go-chat/internal/hub"
	"go-chat/internal/metrics"
	"go-chat/internal/models"
	"go-chat/internal/ratelimit"
	"go-chat/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server 是 WebSocket 网关服务。
// - 升级前认证：URL 查询参数或 Authorization: Bearer 传递 JWT，失败返回 401
// - 连接注册后先发欢迎帧，再重放积压，随后才开始处理上行
// - 下行帧统一经连接通道串行写出，避免 gorilla/websocket 并发写冲突
// - 基于 Redis 令牌桶对上行发送限速
type Server struct {
	JWTSecret string
	Svc       *services.DeliveryService

	SendQPS   int
	SendBurst int
	Limiter   *ratelimit.TokenBucketLimiter

	EnableMetrics bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SendPayload 客户端上行发送载荷。
type SendPayload struct {
	RecipientID int64  `json:"recipient_id"`
	Type        string `json:"type"` // p2p 或 group，缺省 p2p
	Content     string `json:"content"`
}

// Handle 处理 HTTP 升级为 WebSocket，以及该连接的读/写循环。
func (s *Server) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID := claims.UserID

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()
	if s.EnableMetrics {
		metrics.WSConnectsTotal.Inc()
	}
	log.Printf("WS connected: user=%d", userID)

	ctx := context.Background()
	conn := s.Svc.Connect(ctx, userID)
	defer func() {
		s.Svc.Disconnect(ctx, conn)
		log.Printf("WS disconnected: user=%d", userID)
	}()

	// 写循环：串行消费连接通道；通道关闭（被新连接替换或注销）即退出
	go func() {
		for f := range conn.Frames() {
			wsConn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := wsConn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
				log.Printf("WS write error: user=%d err=%v", userID, err)
				break
			}
		}
		// 通道关闭（连接被替换/注销）或写失败：关闭底层连接让读循环退出
		wsConn.Close()
	}()

	// 欢迎帧先于积压重放写入通道
	welcome, _ := json.Marshal(gin.H{"type": "system", "content": "connected"})
	conn.Replay(0, welcome)
	s.Svc.Flush(ctx, conn)

	// 读循环：重放完成后才开始处理上行
	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !s.rateLimitAllow(ctx, userID) {
			s.writeError(conn, "rate limited")
			log.Printf("WS send blocked by rate limit: user=%d", userID)
			continue
		}
		var p SendPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.writeError(conn, "malformed payload")
			continue
		}
		s.handleSend(ctx, conn, userID, &p)
	}
}

// handleSend 处理一次上行发送；业务错误以 error 帧回给客户端，
// 成功的回显帧由服务层通过连接通道下发。
func (s *Server) handleSend(ctx context.Context, conn *hub.Conn, userID int64, p *SendPayload) {
	start := time.Now()
	var err error
	if services.ToKind(p.Type) == models.KindGroup {
		_, err = s.Svc.SendGroup(ctx, userID, p.RecipientID, p.Content)
	} else {
		_, err = s.Svc.SendP2P(ctx, userID, p.RecipientID, p.Content)
	}
	if s.EnableMetrics {
		metrics.SendLatency.Observe(float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		log.Printf("WS send failed: user=%d to=%d err=%v", userID, p.RecipientID, err)
		b, _ := json.Marshal(gin.H{"type": "error", "error": err.Error()})
		conn.Replay(0, b)
	}
}

func (s *Server) writeError(conn *hub.Conn, msg string) {
	b, _ := json.Marshal(gin.H{"type": "error", "error": msg})
	conn.Replay(0, b)
}

// rateLimitAllow 使用 Redis 令牌桶对用户维度的发送做限速；未配置时放行。
func (s *Server) rateLimitAllow(ctx context.Context, userID int64) bool {
	qps := s.SendQPS
	burst := s.SendBurst
	if qps <= 0 {
		qps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	if s.Limiter == nil {
		return true
	}
	allowed, _, _ := s.Limiter.Allow(ctx, fmt.Sprintf("chat:tb:ws:send:%d", userID), qps, burst)
	return allowed
}
