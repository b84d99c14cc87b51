// Package hub 维护本进程持有的实时连接与房间成员关系
// 房间广播默认只达本地连接，跨节点镜像由 fanout 适配器接入
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	corelog "collab-core/internal/core/log"
	"collab-core/internal/presence"
)

const (
	// 写超时
	writeWait = 10 * time.Second

	// Pong 等待窗口，超时视为连接死亡
	pongWait = 60 * time.Second

	// Ping 发送间隔，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10

	// 单条消息上限
	maxMessageSize = 64 * 1024

	// 下行队列长度，写满视为慢消费者
	sendQueueSize = 256
)

// Frame 客户端事件帧（上行与下行共用同一结构）
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn 一条本地实时连接
type Conn struct {
	ID      string
	UserID  string
	Profile presence.Profile

	ws        *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn 包装一条已升级的 WebSocket 连接
func NewConn(id, userID string, profile presence.Profile, ws *websocket.Conn, msgRate rate.Limit, burst int) *Conn {
	return &Conn{
		ID:      id,
		UserID:  userID,
		Profile: profile,
		ws:      ws,
		send:    make(chan []byte, sendQueueSize),
		limiter: rate.NewLimiter(msgRate, burst),
		closed:  make(chan struct{}),
	}
}

// AllowMessage 上行消息限速检查
func (c *Conn) AllowMessage() bool {
	return c.limiter.Allow()
}

// Enqueue 将下行帧放入发送队列
// 队列满视为慢消费者，断开连接（自愈路径负责状态清理）
func (c *Conn) Enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		corelog.Warnf("hub: send queue full, closing slow consumer conn=%s user=%s", c.ID, c.UserID)
		c.Close()
	}
}

// EnqueueFrame 序列化事件帧并入队
func (c *Conn) EnqueueFrame(event string, data json.RawMessage) {
	payload, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		corelog.Errorf("hub: marshal frame failed: %v", err)
		return
	}
	c.Enqueue(payload)
}

// Close 关闭连接（幂等）
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Done 连接关闭信号
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// WriteLoop 下行写循环，负责发送队列消费与 Ping 保活
// 必须由持有者以独立 goroutine 运行，返回即连接已不可写
func (c *Conn) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ErrMalformedFrame 上行帧不是合法 JSON
// 连接本身仍然健康，持有者可选择回执错误后继续读取
var ErrMalformedFrame = errors.New("malformed frame")

// ReadFrame 读取一条上行帧
// 连接级错误原样返回，数据损坏返回 ErrMalformedFrame
func (c *Conn) ReadFrame() (*Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}
	return &frame, nil
}

// SetupReadLimits 配置读取限制与 Pong 处理
func (c *Conn) SetupReadLimits() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
