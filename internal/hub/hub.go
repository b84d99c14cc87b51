package hub

import (
	"context"
	"encoding/json"
	"sync"

	"collab-core/internal/core/dispose"
	corelog "collab-core/internal/core/log"
)

// MirrorFunc 房间广播镜像钩子
// fanout 适配器挂接成功后由其实现，将广播同步镜像到其他节点
type MirrorFunc func(room, event string, data json.RawMessage, excludeConnID string)

// Hub 本进程连接注册表与房间成员表
// 广播语义对调用方透明：未挂接镜像时只达本地，挂接后自动扩展到集群
type Hub struct {
	*dispose.ServiceBase

	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]map[string]*Conn
	connRooms map[string]map[string]struct{}
	mirror    MirrorFunc
}

// NewHub 创建连接注册表
func NewHub(parentCtx context.Context) *Hub {
	h := &Hub{
		ServiceBase: dispose.NewService("Hub", parentCtx),
		conns:       make(map[string]*Conn),
		rooms:       make(map[string]map[string]*Conn),
		connRooms:   make(map[string]map[string]struct{}),
	}
	h.AddCleanHandler(func() error {
		h.closeAll()
		return nil
	})
	return h
}

// SetMirror 挂接广播镜像钩子，传 nil 解除
func (h *Hub) SetMirror(fn MirrorFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirror = fn
}

// Add 注册一条本地连接
func (h *Hub) Add(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID] = conn
	h.connRooms[conn.ID] = make(map[string]struct{})
}

// Remove 注销连接并退出其全部房间，返回退出前的房间列表
func (h *Hub) Remove(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make([]string, 0, len(h.connRooms[connID]))
	for room := range h.connRooms[connID] {
		rooms = append(rooms, room)
		h.leaveRoomLocked(connID, room)
	}
	delete(h.connRooms, connID)
	delete(h.conns, connID)
	return rooms
}

// Get 按连接 ID 查找本地连接
func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

// Len 本地连接数
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// JoinRoom 将连接加入房间（幂等）
func (h *Hub) JoinRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Conn)
	}
	h.rooms[room][connID] = conn
	h.connRooms[connID][room] = struct{}{}
}

// LeaveRoom 将连接移出房间（幂等）
func (h *Hub) LeaveRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(connID, room)
	if set, ok := h.connRooms[connID]; ok {
		delete(set, room)
	}
}

func (h *Hub) leaveRoomLocked(connID, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// InRoom 连接是否已加入房间
func (h *Hub) InRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connRooms[connID][room]
	return ok
}

// RoomSize 房间本地成员数
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms 连接当前所在的房间列表
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.connRooms[connID]))
	for room := range h.connRooms[connID] {
		rooms = append(rooms, room)
	}
	return rooms
}

// Broadcast 向房间广播事件
// excludeConnID 非空时跳过该连接（通常为消息发送者自身）
// 镜像钩子已挂接时同步扩散到其他节点，调用方无需感知差异
func (h *Hub) Broadcast(room, event string, data json.RawMessage, excludeConnID string) {
	h.DeliverLocal(room, event, data, excludeConnID)

	h.mu.RLock()
	mirror := h.mirror
	h.mu.RUnlock()
	if mirror != nil {
		mirror(room, event, data, excludeConnID)
	}
}

// DeliverLocal 只向本地房间成员投递，不触发镜像
// fanout 收到远端广播后经此投递，避免消息回环
func (h *Hub) DeliverLocal(room, event string, data json.RawMessage, excludeConnID string) {
	payload, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		corelog.Errorf("hub: marshal broadcast frame failed: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for id, conn := range h.rooms[room] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.Enqueue(payload)
	}
}

// SendToConn 向单条本地连接投递事件
func (h *Hub) SendToConn(connID, event string, data json.RawMessage) bool {
	conn, ok := h.Get(connID)
	if !ok {
		return false
	}
	conn.EnqueueFrame(event, data)
	return true
}

// CloseUserConns 关闭某用户的全部本地连接，返回关闭数量
func (h *Hub) CloseUserConns(userID string) int {
	h.mu.RLock()
	victims := make([]*Conn, 0, 2)
	for _, conn := range h.conns {
		if conn.UserID == userID {
			victims = append(victims, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range victims {
		conn.Close()
	}
	return len(victims)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Conn)
	h.rooms = make(map[string]map[string]*Conn)
	h.connRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
