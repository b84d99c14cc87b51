// Package store 定义共享存储的原子原语契约
//
// Presence 层只依赖这里的接口，不直接依赖 Redis 客户端，
// 测试时可替换为内嵌实现（embedded 包）。
// 所有原语均为单键原子操作，不提供跨键事务。
package store

import (
	"context"
	"time"
)

// KVStore 字符串键值原语
type KVStore interface {
	// Get 获取值，键不存在返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL 设置值并指定 TTL，ttl<=0 表示不过期
	SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error
}

// SetStore 集合原语
type SetStore interface {
	// SAdd 向集合添加成员，重复添加不报错
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem 从集合移除成员，成员不存在不报错
	SRem(ctx context.Context, key string, members ...string) error

	// SIsMember 检查成员是否在集合中
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	// SMembers 获取集合所有成员，键不存在返回空切片
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard 获取集合基数，键不存在返回 0
	SCard(ctx context.Context, key string) (int64, error)
}

// HashStore 哈希原语
type HashStore interface {
	// HSet 设置哈希字段
	HSet(ctx context.Context, key string, field string, value string) error

	// HGet 获取哈希字段，字段不存在返回 ErrNotFound
	HGet(ctx context.Context, key string, field string) (string, error)

	// HDel 删除哈希字段，字段不存在不报错
	HDel(ctx context.Context, key string, fields ...string) error

	// HGetAll 获取哈希所有字段，键不存在返回空 map
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HExists 检查哈希字段是否存在
	HExists(ctx context.Context, key string, field string) (bool, error)

	// HLen 获取哈希字段数量
	HLen(ctx context.Context, key string) (int64, error)
}

// KeyScanner 按前缀扫描键（用于心跳全量扫描）
// 结果规模与当前存活键数量成正比
type KeyScanner interface {
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
}

// Backend 共享存储后端
// 作为显式依赖注入 Presence Index，不作为全局单例访问
type Backend interface {
	KVStore
	SetStore
	HashStore
	KeyScanner

	// Delete 删除键，键不存在不报错
	Delete(ctx context.Context, keys ...string) error

	// Exists 检查键是否存在
	Exists(ctx context.Context, key string) (bool, error)

	// Refresh 刷新键的 TTL，键不存在返回 ErrNotFound
	Refresh(ctx context.Context, key string, ttl time.Duration) error

	// Ping 健康检查
	Ping(ctx context.Context) error

	// Close 关闭后端连接
	Close() error
}
