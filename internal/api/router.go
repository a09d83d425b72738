// Package api 组织 HTTP 路由：注册/登录、消息发送与历史、会话列表、群组管理。
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go-chat/internal/auth"
	"go-chat/internal/cache"
	"go-chat/internal/config"
	"go-chat/internal/hub"
	"go-chat/internal/models"
	"go-chat/internal/services"
	"go-chat/internal/store"
	"go-chat/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

// Deps 是路由依赖集合，由 main 装配。
type Deps struct {
	Cfg    *config.Config
	Users  store.UserStore
	Groups store.GroupStore
	Svc    *services.DeliveryService
	Hub    *hub.Hub
	WS     *ws.Server
}

// statusFor 将业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotAMember):
		return http.StatusForbidden
	case errors.Is(err, services.ErrSelfAddressed),
		errors.Is(err, services.ErrEmptyContent),
		errors.Is(err, services.ErrUnknownRecipient),
		errors.Is(err, services.ErrUnknownGroup):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewRouter 构建完整路由。业务端点统一挂在 /v1 前缀下；
// WS 升级端点同时暴露在 /ws 与 /v1/ws。
func NewRouter(d *Deps) *gin.Engine {
	r := gin.Default()
	cfg := d.Cfg
	tokenTTL := time.Duration(cfg.JWTExpiryHours) * time.Hour

	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 简易认证
	authn := func(c *gin.Context) (int64, bool) {
		tok := c.GetHeader("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		cl, err := auth.ParseJWT(cfg.JWTSecret, tok)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return 0, false
		}
		return cl.UserID, true
	}

	// 路径参数解析为 int64
	paramID := func(c *gin.Context, name string) (int64, bool) {
		id, err := strconv.ParseInt(c.Param(name), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid " + name})
			return 0, false
		}
		return id, true
	}

	v1 := r.Group("/v1")

	// 注册
	v1.POST("/users/register", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		h, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		u := &models.User{Username: req.Username, Email: req.Email, Password: string(h)}
		if err := d.Users.CreateUser(c, u); err != nil {
			if errors.Is(err, store.ErrDuplicateUser) {
				c.JSON(409, gin.H{"error": err.Error()})
				return
			}
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(201, gin.H{"id": u.ID, "username": u.Username, "email": u.Email})
	})

	// 登录
	v1.POST("/users/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := d.Users.GetByUsername(c, req.Username)
		if err != nil || u == nil || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)) != nil {
			c.JSON(401, gin.H{"error": "invalid credentials"})
			return
		}
		tok, err := auth.SignJWT(cfg.JWTSecret, u.ID, tokenTTL)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"token": tok, "user_id": u.ID})
	})

	// 用户列表（带在线状态）
	v1.GET("/users", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		users, err := d.Users.ListUsers(c)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		for _, u := range users {
			if cache.Client() != nil {
				u.Online, _ = cache.IsOnline(c, u.ID)
			} else {
				u.Online = d.Hub.Online(u.ID)
			}
		}
		c.JSON(200, users)
	})

	// 单聊发送
	v1.POST("/messages/p2p/:recipientID", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		to, ok := paramID(c, "recipientID")
		if !ok {
			return
		}
		var req struct {
			Content string `json:"content"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		m, err := d.Svc.SendP2P(c, uid, to, req.Content)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, m)
	})

	// 群聊发送
	v1.POST("/messages/group/:groupID", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		gid, ok := paramID(c, "groupID")
		if !ok {
			return
		}
		var req struct {
			Content string `json:"content"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		m, err := d.Svc.SendGroup(c, uid, gid, req.Content)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, m)
	})

	// 历史分页参数：limit 缺省 50，before_id 缺省 0（最新一页）
	parsePage := func(c *gin.Context) (int, int64, bool) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(400, gin.H{"error": "invalid limit"})
				return 0, 0, false
			}
			limit = n
		}
		var beforeID int64
		if v := c.Query("before_id"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				c.JSON(400, gin.H{"error": "invalid before_id"})
				return 0, 0, false
			}
			beforeID = n
		}
		return limit, beforeID, true
	}

	// 单聊历史
	v1.GET("/messages/history/:recipientID", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		peer, ok := paramID(c, "recipientID")
		if !ok {
			return
		}
		limit, beforeID, ok := parsePage(c)
		if !ok {
			return
		}
		msgs, err := d.Svc.HistoryP2P(c, uid, peer, limit, beforeID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		c.JSON(200, gin.H{"messages": msgs, "count": len(msgs)})
	})

	// 群历史
	v1.GET("/groups/:groupID/messages", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		gid, ok := paramID(c, "groupID")
		if !ok {
			return
		}
		limit, beforeID, ok := parsePage(c)
		if !ok {
			return
		}
		msgs, err := d.Svc.HistoryGroup(c, uid, gid, limit, beforeID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		c.JSON(200, gin.H{"messages": msgs, "count": len(msgs)})
	})

	// 会话列表：每会话最新一条消息，按消息 ID 倒序
	v1.GET("/chats", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		msgs, err := d.Svc.Recent(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		c.JSON(200, msgs)
	})

	// 建群：创建者自动成为 owner 成员
	v1.POST("/groups", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		g := &models.Group{Name: req.Name, OwnerID: uid}
		if err := d.Groups.CreateGroup(c, g); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		_ = d.Groups.AddMember(c, g.ID, uid)
		c.JSON(201, gin.H{"id": g.ID, "name": g.Name, "owner_id": g.OwnerID})
	})

	// 加成员：仅群主
	v1.POST("/groups/:groupID/members", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		gid, ok := paramID(c, "groupID")
		if !ok {
			return
		}
		var req struct {
			UserID int64 `json:"user_id" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		g, err := d.Groups.GetGroup(c, gid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if g == nil {
			c.JSON(400, gin.H{"error": services.ErrUnknownGroup.Error()})
			return
		}
		if g.OwnerID != uid {
			c.JSON(403, gin.H{"error": "only the owner can add members"})
			return
		}
		target, err := d.Users.GetByID(c, req.UserID)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if target == nil {
			c.JSON(400, gin.H{"error": services.ErrUnknownRecipient.Error()})
			return
		}
		if err := d.Groups.AddMember(c, gid, req.UserID); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"group_id": gid, "user_id": req.UserID})
	})

	// 成员列表：仅成员可见
	v1.GET("/groups/:groupID/members", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		gid, ok := paramID(c, "groupID")
		if !ok {
			return
		}
		g, err := d.Groups.GetGroup(c, gid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if g == nil {
			c.JSON(400, gin.H{"error": services.ErrUnknownGroup.Error()})
			return
		}
		member, err := d.Groups.IsMember(c, gid, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if !member {
			c.JSON(403, gin.H{"error": services.ErrNotAMember.Error()})
			return
		}
		ids, err := d.Groups.ListMemberIDs(c, gid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"group_id": gid, "members": ids})
	})

	// WebSocket
	r.GET("/ws", d.WS.Handle)
	v1.GET("/ws", d.WS.Handle)

	return r
}
