package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"collab-core/internal/core/dispose"
	corelog "collab-core/internal/core/log"
)

// 共享频道前缀，避免与其他使用者冲突
const channelPrefix = "collab:"

// 等待服务端订阅确认的上限
const subscribeConfirmTimeout = 5 * time.Second

// RedisBrokerConfig Redis Broker 配置
type RedisBrokerConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisBroker Redis 消息代理（基于 Pub/Sub）
type RedisBroker struct {
	*dispose.ServiceBase
	client      redis.UniversalClient
	pubsub      *redis.PubSub
	subscribers map[string]chan *Message // topic -> channel
	pending     map[string]chan struct{} // redis channel -> 订阅确认信号
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewRedisBroker 创建 Redis 消息代理，带有界连接超时
func NewRedisBroker(parentCtx context.Context, config *RedisBrokerConfig, nodeID string) (*RedisBroker, error) {
	if config == nil {
		return nil, fmt.Errorf("redis broker config is required")
	}

	if config.PoolSize <= 0 {
		config.PoolSize = 50
	}
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	addr := config.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.PoolSize,
		DialTimeout: dialTimeout,
	})

	pingCtx, pingCancel := context.WithTimeout(parentCtx, dialTimeout)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b := &RedisBroker{
		ServiceBase: dispose.NewService("RedisBroker", parentCtx),
		client:      client,
		subscribers: make(map[string]chan *Message),
		pending:     make(map[string]chan struct{}),
		nodeID:      nodeID,
	}

	corelog.Infof("RedisBroker initialized for node: %s (addr: %s)", nodeID, addr)
	return b, nil
}

func (r *RedisBroker) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Publish 发布消息到指定主题
func (r *RedisBroker) Publish(ctx context.Context, topic string, message []byte) error {
	if r.isClosed() {
		return fmt.Errorf("broker is closed")
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    r.nodeID,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := r.client.Publish(ctx, channelPrefix+topic, data).Err(); err != nil {
		corelog.Errorf("RedisBroker: failed to publish to %s: %v", topic, err)
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Subscribe 订阅主题，返回消息通道
// 同一 topic 重复订阅返回错误。服务端确认订阅生效后才返回，
// 返回即保证此后发布的消息可达
func (r *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}

	if _, exists := r.subscribers[topic]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to topic: %s", topic)
	}

	msgChan := make(chan *Message, 100)
	r.subscribers[topic] = msgChan

	ready := make(chan struct{})
	r.pending[channelPrefix+topic] = ready

	// 首次订阅时创建 PubSub 连接
	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(r.Ctx())
	}

	if err := r.pubsub.Subscribe(r.Ctx(), channelPrefix+topic); err != nil {
		delete(r.subscribers, topic)
		delete(r.pending, channelPrefix+topic)
		close(msgChan)
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to Redis: %w", err)
	}

	// 首个订阅启动接收循环，订阅确认也由它消费
	if len(r.subscribers) == 1 {
		go r.receiveLoop()
	}
	r.mu.Unlock()

	select {
	case <-ready:
	case <-time.After(subscribeConfirmTimeout):
		r.dropSubscription(topic)
		return nil, fmt.Errorf("timed out waiting for subscribe confirmation: %s", topic)
	case <-ctx.Done():
		r.dropSubscription(topic)
		return nil, fmt.Errorf("subscribe cancelled: %w", ctx.Err())
	case <-r.Ctx().Done():
		r.dropSubscription(topic)
		return nil, fmt.Errorf("broker is closed")
	}

	corelog.Infof("RedisBroker: subscribed to topic %s", topic)
	return msgChan, nil
}

// dropSubscription 回滚未完成确认的订阅
func (r *RedisBroker) dropSubscription(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if ch, exists := r.subscribers[topic]; exists {
		close(ch)
		delete(r.subscribers, topic)
	}
	delete(r.pending, channelPrefix+topic)
	if r.pubsub != nil {
		if err := r.pubsub.Unsubscribe(context.Background(), channelPrefix+topic); err != nil {
			corelog.Warnf("RedisBroker: failed to unsubscribe from Redis: %v", err)
		}
	}
}

// receiveLoop 接收共享频道消息并分发到本地订阅者，
// 同时消费订阅确认并唤醒等待中的 Subscribe
func (r *RedisBroker) receiveLoop() {
	for {
		select {
		case <-r.Ctx().Done():
			return
		default:
		}

		received, err := r.pubsub.Receive(r.Ctx())
		if err != nil {
			if r.isClosed() || r.Ctx().Err() != nil {
				return
			}
			corelog.Errorf("RedisBroker: failed to receive message: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		switch m := received.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				r.mu.Lock()
				if ready, ok := r.pending[m.Channel]; ok {
					close(ready)
					delete(r.pending, m.Channel)
				}
				r.mu.Unlock()
			}
		case *redis.Message:
			r.dispatch(m)
		case *redis.Pong:
		}
	}
}

func (r *RedisBroker) dispatch(raw *redis.Message) {
	var message Message
	if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
		corelog.Errorf("RedisBroker: failed to unmarshal message: %v", err)
		return
	}

	r.mu.RLock()
	ch, exists := r.subscribers[message.Topic]
	r.mu.RUnlock()

	if !exists {
		return
	}
	select {
	case ch <- &message:
	case <-r.Ctx().Done():
	default:
		corelog.Warnf("RedisBroker: subscriber channel full for topic %s, dropping message", message.Topic)
	}
}

// Unsubscribe 取消订阅
func (r *RedisBroker) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}

	ch, exists := r.subscribers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}

	if r.pubsub != nil {
		if err := r.pubsub.Unsubscribe(ctx, channelPrefix+topic); err != nil {
			corelog.Warnf("RedisBroker: failed to unsubscribe from Redis: %v", err)
		}
	}

	close(ch)
	delete(r.subscribers, topic)
	return nil
}

// Ping 检查 Redis 连接
func (r *RedisBroker) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭消息代理
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			corelog.Warnf("RedisBroker: failed to close pubsub: %v", err)
		}
	}

	for topic, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, topic)
	}
	for channel := range r.pending {
		delete(r.pending, channel)
	}

	if err := r.client.Close(); err != nil {
		corelog.Warnf("RedisBroker: failed to close Redis client: %v", err)
	}
	r.mu.Unlock()

	corelog.Infof("RedisBroker closed for node: %s", r.nodeID)
	return r.ServiceBase.Close()
}
