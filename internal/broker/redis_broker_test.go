package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBrokerConfig) {
	mr := miniredis.RunT(t)
	config := &RedisBrokerConfig{
		Addr:     mr.Addr(),
		PoolSize: 10,
	}
	return mr, config
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	_, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	body := RoomBroadcastMessage{
		Room:  "channel:C1",
		Event: "message_created",
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	subChan, err := rb.Subscribe(ctx, TopicRoomBroadcast)
	require.NoError(t, err)

	require.NoError(t, rb.Publish(ctx, TopicRoomBroadcast, payload))

	select {
	case msg := <-subChan:
		assert.Equal(t, TopicRoomBroadcast, msg.Topic)
		assert.Equal(t, payload, msg.Payload)
		assert.Equal(t, "node-1", msg.NodeID)

		var got RoomBroadcastMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "channel:C1", got.Room)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRedisBroker_CrossNode(t *testing.T) {
	_, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb1, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb1.Close()

	rb2, err := NewRedisBroker(ctx, config, "node-2")
	require.NoError(t, err)
	defer rb2.Close()

	subChan2, err := rb2.Subscribe(ctx, TopicRoomBroadcast)
	require.NoError(t, err)

	payload := []byte(`{"room":"workspace:W1","event":"user_joined"}`)
	require.NoError(t, rb1.Publish(ctx, TopicRoomBroadcast, payload))

	// node-2 收到 node-1 发布的消息
	select {
	case msg := <-subChan2:
		assert.Equal(t, payload, msg.Payload)
		assert.Equal(t, "node-1", msg.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for cross-node message")
	}
}

func TestRedisBroker_DeliveryImmediatelyAfterSubscribe(t *testing.T) {
	_, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	subChan, err := rb.Subscribe(ctx, TopicPresenceChanged)
	require.NoError(t, err)

	// Subscribe 返回即订阅生效，紧接着的发布不丢消息
	payload := []byte(`{"user_id":"U1","online":false}`)
	require.NoError(t, rb.Publish(ctx, TopicPresenceChanged, payload))

	select {
	case msg := <-subChan:
		assert.Equal(t, payload, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message published right after subscribe")
	}
}

func TestRedisBroker_ConcurrentPublishAndClose(t *testing.T) {
	_, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)

	// 发布与关闭并发执行不竞争共享状态
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = rb.Publish(ctx, TopicRoomBroadcast, []byte(`{"room":"channel:C1"}`))
		}
	}()

	require.NoError(t, rb.Close())
	<-done
}

func TestRedisBroker_DoubleSubscribe(t *testing.T) {
	_, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	_, err = rb.Subscribe(ctx, TopicPresenceChanged)
	require.NoError(t, err)

	// 同一 topic 重复订阅报错
	sub2, err := rb.Subscribe(ctx, TopicPresenceChanged)
	assert.Error(t, err)
	assert.Nil(t, sub2)
	assert.Contains(t, err.Error(), "already subscribed")
}

func TestRedisBroker_Unsubscribe(t *testing.T) {
	_, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	subChan, err := rb.Subscribe(ctx, TopicUserSwept)
	require.NoError(t, err)

	require.NoError(t, rb.Unsubscribe(ctx, TopicUserSwept))

	// 通道立即关闭
	select {
	case _, ok := <-subChan:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel should be closed")
	}

	err = rb.Unsubscribe(ctx, TopicUserSwept)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not subscribed")
}

func TestRedisBroker_MalformedMessage(t *testing.T) {
	mr, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	subChan, err := rb.Subscribe(ctx, TopicRoomBroadcast)
	require.NoError(t, err)

	// 绕过 Broker 直接发布格式错误的消息
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, client.Publish(ctx, channelPrefix+TopicRoomBroadcast, "not json").Err())

	// 损坏消息被丢弃，不崩溃
	select {
	case msg := <-subChan:
		t.Fatalf("should not receive malformed message, got: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}

	// 随后的正常消息仍可投递
	valid := []byte(`{"room":"channel:C1"}`)
	require.NoError(t, rb.Publish(ctx, TopicRoomBroadcast, valid))

	select {
	case msg := <-subChan:
		assert.Equal(t, valid, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for valid message")
	}
}

func TestRedisBroker_ConnectionFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := &RedisBrokerConfig{
		Addr:        "localhost:1",
		DialTimeout: 500 * time.Millisecond,
	}

	rb, err := NewRedisBroker(ctx, config, "node-1")
	assert.Error(t, err)
	assert.Nil(t, rb)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRedisBroker_MultipleTopics(t *testing.T) {
	_, config := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb, err := NewRedisBroker(ctx, config, "node-1")
	require.NoError(t, err)
	defer rb.Close()

	sub1, err := rb.Subscribe(ctx, TopicRoomBroadcast)
	require.NoError(t, err)
	sub2, err := rb.Subscribe(ctx, TopicPresenceChanged)
	require.NoError(t, err)

	require.NoError(t, rb.Publish(ctx, TopicPresenceChanged, []byte(`{"user_id":"U1","online":true}`)))

	// 只有对应主题的订阅者收到
	select {
	case msg := <-sub2:
		assert.Equal(t, TopicPresenceChanged, msg.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for presence message")
	}

	select {
	case msg := <-sub1:
		t.Fatalf("room subscriber should not receive presence message, got: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
