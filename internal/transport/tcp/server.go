// Package tcp 提供只读的 TCP 镜像接入：首行 JWT 认证，之后按行下发 JSON 帧。
// 与 WS 共用连接注册表，同一用户的新连接会替换旧连接。
package tcp

import (
	"bufio"
	"context"
	"log"
	"net"
	"strings"

	"go-chat/internal/auth"
	"go-chat/internal/services"
)

type Server struct {
	Addr      string
	JWTSecret string
	Svc       *services.DeliveryService
}

func (s *Server) Start(ctx context.Context) error {
	if s.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	go func() { <-ctx.Done(); ln.Close() }()
	log.Printf("TCP listening: addr=%s", s.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	reader := bufio.NewReader(c)
	line, _ := reader.ReadString('\n')
	cl, err := auth.ParseJWT(s.JWTSecret, strings.TrimSpace(line))
	if err != nil {
		return
	}
	conn := s.Svc.Connect(ctx, cl.UserID)
	defer s.Svc.Disconnect(ctx, conn)
	log.Printf("TCP connected: user=%d", cl.UserID)

	s.Svc.Flush(ctx, conn)
	for f := range conn.Frames() {
		if _, err := c.Write(append(f.Data, '\n')); err != nil {
			return
		}
	}
}
