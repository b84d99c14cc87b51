package gateway

import "encoding/json"

// 上行事件名（客户端发起）
const (
	EventJoinChannel    = "join_channel"
	EventLeaveChannel   = "leave_channel"
	EventEnterWorkspace = "enter_workspace"
	EventLeaveWorkspace = "leave_workspace"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventHeartbeat      = "heartbeat"
)

// 下行事件名（服务端发起）
const (
	EventConnected       = "connected"
	EventHeartbeatAck    = "heartbeat_ack"
	EventNewMessage      = "new_message"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventPresenceChanged = "presence_changed"
	EventError           = "error"
)

// ChannelPayload 频道类事件载荷
type ChannelPayload struct {
	ChannelID string `json:"channel_id"`
}

// WorkspacePayload 工作区类事件载荷
type WorkspacePayload struct {
	WorkspaceID string `json:"workspace_id"`
}

// MessagePayload 聊天消息载荷
type MessagePayload struct {
	ChannelID string          `json:"channel_id"`
	Content   json.RawMessage `json:"content"`
}

// TypingPayload 输入状态载荷
type TypingPayload struct {
	ChannelID string `json:"channel_id"`
	IsTyping  bool   `json:"is_typing"`
}

// ConnectedPayload 连接就绪回执
type ConnectedPayload struct {
	ConnID string `json:"conn_id"`
	NodeID string `json:"node_id"`
}

// ErrorPayload 错误回执
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// 错误码
const (
	ErrCodeBadPayload   = "bad_payload"
	ErrCodeForbidden    = "forbidden"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeUnknownEvent = "unknown_event"
)
