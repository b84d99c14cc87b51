package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collab-core/internal/core/dispose"
	corelog "collab-core/internal/core/log"
)

// MemoryBroker 内存消息代理（单节点语义，广播不出进程）
type MemoryBroker struct {
	*dispose.ServiceBase
	subscribers map[string][]chan *Message // topic -> []channel
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewMemoryBroker 创建内存消息代理
func NewMemoryBroker(parentCtx context.Context, nodeID string) *MemoryBroker {
	b := &MemoryBroker{
		ServiceBase: dispose.NewService("MemoryBroker", parentCtx),
		subscribers: make(map[string][]chan *Message),
		nodeID:      nodeID,
	}

	corelog.Infof("MemoryBroker initialized for node: %s", nodeID)
	return b
}

// Publish 发布消息到指定主题
func (m *MemoryBroker) Publish(ctx context.Context, topic string, message []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers := m.subscribers[topic]
	if len(subscribers) == 0 {
		// 无订阅者时丢弃，符合 Pub/Sub 语义
		return nil
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    m.nodeID,
	}

	for _, ch := range subscribers {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// 订阅者通道满则跳过，避免阻塞发布方
			corelog.Warnf("MemoryBroker: subscriber channel full for topic %s, dropping", topic)
		}
	}
	return nil
}

// Subscribe 订阅主题，返回消息通道
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	ch := make(chan *Message, 100)
	m.subscribers[topic] = append(m.subscribers[topic], ch)

	corelog.Debugf("MemoryBroker: subscribed to topic %s (subscribers: %d)", topic, len(m.subscribers[topic]))
	return ch, nil
}

// Unsubscribe 取消订阅并关闭该主题的全部通道
func (m *MemoryBroker) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	channels, exists := m.subscribers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}

	for _, ch := range channels {
		close(ch)
	}
	delete(m.subscribers, topic)
	return nil
}

// Close 关闭消息代理
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	for topic, channels := range m.subscribers {
		for _, ch := range channels {
			close(ch)
		}
		delete(m.subscribers, topic)
	}
	m.mu.Unlock()

	corelog.Infof("MemoryBroker closed for node: %s", m.nodeID)
	return m.ServiceBase.Close()
}
