// Package embedded 提供内嵌 Redis (miniredis) 后端
// 用于单机部署和测试，无需外部 Redis 依赖
package embedded

import (
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"collab-core/internal/core/store"
	"collab-core/internal/core/store/redisstore"
)

// EmbeddedRedis 内嵌 Redis 服务
type EmbeddedRedis struct {
	server *miniredis.Miniredis
	client *redis.Client
}

// NewEmbeddedRedis 启动内嵌 Redis
func NewEmbeddedRedis() (*EmbeddedRedis, error) {
	server, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start miniredis failed: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	return &EmbeddedRedis{server: server, client: client}, nil
}

// Client 获取 Redis 客户端
func (e *EmbeddedRedis) Client() *redis.Client {
	return e.client
}

// Addr 获取服务地址
func (e *EmbeddedRedis) Addr() string {
	return e.server.Addr()
}

// FastForward 快进时间（测试 TTL 过期）
func (e *EmbeddedRedis) FastForward(d time.Duration) {
	e.server.FastForward(d)
}

// FlushAll 清空所有数据
func (e *EmbeddedRedis) FlushAll() {
	e.server.FlushAll()
}

// Close 关闭服务
func (e *EmbeddedRedis) Close() error {
	if err := e.client.Close(); err != nil {
		return err
	}
	e.server.Close()
	return nil
}

// EmbeddedBackend 内嵌 Redis 存储后端
// 与 RedisBackend 走同一代码路径，语义一致
type EmbeddedBackend struct {
	*redisstore.RedisBackend
	embedded *EmbeddedRedis
}

// NewBackend 创建内嵌存储后端
func NewBackend(keyPrefix string) (*EmbeddedBackend, error) {
	embedded, err := NewEmbeddedRedis()
	if err != nil {
		return nil, err
	}

	return &EmbeddedBackend{
		RedisBackend: redisstore.NewFromClient(embedded.Client(), keyPrefix),
		embedded:     embedded,
	}, nil
}

// NewBackendWithRedis 复用已有内嵌实例创建后端
// 多个组件共享同一个 miniredis 时使用
func NewBackendWithRedis(embedded *EmbeddedRedis, keyPrefix string) *EmbeddedBackend {
	return &EmbeddedBackend{
		RedisBackend: redisstore.NewFromClient(embedded.Client(), keyPrefix),
		embedded:     embedded,
	}
}

// Embedded 获取内嵌 Redis 实例
func (b *EmbeddedBackend) Embedded() *EmbeddedRedis {
	return b.embedded
}

// Close 关闭后端及内嵌服务
func (b *EmbeddedBackend) Close() error {
	return b.embedded.Close()
}

var _ store.Backend = (*EmbeddedBackend)(nil)
