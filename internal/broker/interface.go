// Package broker 提供跨节点消息代理抽象
// Redis Pub/Sub 实现用于多节点扇出，内存实现用于单节点降级
package broker

import (
	"context"
	"time"
)

// MessageBroker 消息代理接口
type MessageBroker interface {
	// Publish 发布消息到指定主题
	Publish(ctx context.Context, topic string, message []byte) error

	// Subscribe 订阅主题，返回消息通道
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	// Unsubscribe 取消订阅
	Unsubscribe(ctx context.Context, topic string) error

	// Close 关闭连接
	Close() error
}

// Message 消息结构
type Message struct {
	Topic     string    `json:"topic"`     // 消息主题
	Payload   []byte    `json:"payload"`   // 消息内容
	Timestamp time.Time `json:"timestamp"` // 发布时间
	NodeID    string    `json:"node_id"`   // 发布者节点ID（用于过滤自身回环）
}

// Topic 常量定义
const (
	TopicRoomBroadcast   = "room.broadcast"   // 房间广播（频道/工作区/用户定向）
	TopicPresenceChanged = "presence.changed" // 在线状态变更通知
	TopicUserSwept       = "user.swept"       // 心跳超时被巡检清理
)
