package broker

import "encoding/json"

// RoomBroadcastMessage 房间广播消息体
// 一个节点本地发起的房间广播经由共享通道镜像到全部节点
type RoomBroadcastMessage struct {
	Room    string          `json:"room"`              // 房间名（channel:<id> / workspace:<id> / user:<id>）
	Event   string          `json:"event"`             // 客户端事件名
	Payload json.RawMessage `json:"payload,omitempty"` // 事件数据（原样转发）
	Exclude string          `json:"exclude,omitempty"` // 不回送的连接ID（通常是发送者）
}

// PresenceChangedMessage 在线状态变更通知
type PresenceChangedMessage struct {
	UserID      string `json:"user_id"`
	Online      bool   `json:"online"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// UserSweptMessage 心跳超时清理通知
type UserSweptMessage struct {
	UserID          string `json:"user_id"`
	LastHeartbeatMs int64  `json:"last_heartbeat_ms"`
}
