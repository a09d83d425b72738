// Package hub 维护用户与连接的映射：每个用户最多一条连接。
package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Frame 是下发给传输层的一帧：MsgID 用于重放去重，0 表示非消息帧（如欢迎帧）。
type Frame struct {
	MsgID int64
	Data  []byte
}

type connState int

const (
	stateFlushing connState = iota // 注册后处于重放阶段，实时帧暂存
	stateActive
	stateClosed
)

// Conn 是某用户的唯一连接。
// - send 通道由传输层消费，写满即视为投递失败
// - 注册后处于 flushing 状态：重放期间到达的实时帧进入 deferred，
//   EndFlush 时去掉已重放的消息后补发，保证每接收方按 ID 有序且不重复
type Conn struct {
	ID     string
	UserID int64

	mu       sync.Mutex
	state    connState
	send     chan Frame
	deferred []Frame
}

// Frames 返回传输层消费的下发通道；连接关闭时通道关闭。
func (c *Conn) Frames() <-chan Frame { return c.send }

// push 实时路径入队。flushing 期间暂存并视为成功。
func (c *Conn) push(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return false
	case stateFlushing:
		c.deferred = append(c.deferred, f)
		return true
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Replay 重放路径入队：绕过 deferred，直接写入下发通道。
// 返回 false 表示缓冲已满，调用方应中止重放，剩余积压保持 pending。
func (c *Conn) Replay(msgID int64, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return false
	}
	select {
	case c.send <- Frame{MsgID: msgID, Data: data}:
		return true
	default:
		return false
	}
}

// EndFlush 结束重放阶段：补发暂存帧（跳过已重放的消息 ID），转入 active。
// 返回因缓冲写满未能补发的消息 ID；这些消息并未到达连接，
// 调用方必须将其投递标记回退为 pending，留待下次重放。
func (c *Conn) EndFlush(replayed map[int64]bool) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateFlushing {
		return nil
	}
	var dropped []int64
	for _, f := range c.deferred {
		if f.MsgID != 0 && replayed[f.MsgID] {
			continue
		}
		select {
		case c.send <- f:
		default:
			if f.MsgID != 0 {
				dropped = append(dropped, f.MsgID)
			}
		}
	}
	c.deferred = nil
	c.state = stateActive
	return dropped
}

// close 标记关闭并关闭下发通道。push/Replay 与 close 共用 c.mu，
// 不会出现向已关闭通道写入。
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	close(c.send)
}

// Hub 是进程内连接注册表。
type Hub struct {
	mu         sync.Mutex
	conns      map[int64]*Conn
	sendBuffer int
}

func New(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{conns: make(map[int64]*Conn), sendBuffer: sendBuffer}
}

// Register 为用户建立连接；已有连接被原子替换并关闭。
// 新连接初始处于 flushing 状态，调用方完成积压重放后执行 EndFlush。
func (h *Hub) Register(userID int64) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		state:  stateFlushing,
		send:   make(chan Frame, h.sendBuffer),
	}
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	return c
}

// Unregister 注销连接；若该用户已被新连接替换则不做任何事。
func (h *Hub) Unregister(c *Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	if h.conns[c.UserID] == c {
		delete(h.conns, c.UserID)
	}
	h.mu.Unlock()
	c.close()
}

// Online 返回用户当前是否有连接。
func (h *Hub) Online(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[userID] != nil
}

// Push 向用户连接投递一帧。用户离线、连接关闭或缓冲已满时返回 false；
// 投递失败不是错误，消息保持 pending 等待下次重放。
func (h *Hub) Push(userID int64, msgID int64, data []byte) bool {
	h.mu.Lock()
	c := h.conns[userID]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.push(Frame{MsgID: msgID, Data: data})
}
