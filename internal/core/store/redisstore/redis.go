// Package redisstore 提供基于 Redis 的共享存储后端
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"collab-core/internal/core/store"
)

// Config Redis 连接配置
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisBackend Redis 存储后端实现
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New 从配置创建 Redis 后端并验证连接
func New(ctx context.Context, cfg *Config, keyPrefix string) (*RedisBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 50
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  dialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, store.NewUnavailable("Connect", cfg.Addr, err)
	}

	return NewFromClient(client, keyPrefix), nil
}

// NewFromClient 复用已有客户端创建后端（内嵌模式与测试共用）
func NewFromClient(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (b *RedisBackend) buildKey(key string) string {
	return b.keyPrefix + key
}

// wrapErr 统一错误映射：redis.Nil -> ErrNotFound，其余视为后端不可达
func (b *RedisBackend) wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	return store.NewUnavailable(op, b.buildKey(key), err)
}

// ===== KVStore =====

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, b.buildKey(key)).Result()
	if err != nil {
		return "", b.wrapErr("Get", key, err)
	}
	return val, nil
}

func (b *RedisBackend) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return b.wrapErr("SetWithTTL", key, b.client.Set(ctx, b.buildKey(key), value, ttl).Err())
}

// ===== SetStore =====

func (b *RedisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.wrapErr("SAdd", key, b.client.SAdd(ctx, b.buildKey(key), toAny(members)...).Err())
}

func (b *RedisBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.wrapErr("SRem", key, b.client.SRem(ctx, b.buildKey(key), toAny(members)...).Err())
}

func (b *RedisBackend) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, b.buildKey(key), member).Result()
	if err != nil {
		return false, b.wrapErr("SIsMember", key, err)
	}
	return ok, nil
}

func (b *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.buildKey(key)).Result()
	if err != nil {
		return nil, b.wrapErr("SMembers", key, err)
	}
	return members, nil
}

func (b *RedisBackend) SCard(ctx context.Context, key string) (int64, error) {
	n, err := b.client.SCard(ctx, b.buildKey(key)).Result()
	if err != nil {
		return 0, b.wrapErr("SCard", key, err)
	}
	return n, nil
}

// ===== HashStore =====

func (b *RedisBackend) HSet(ctx context.Context, key, field, value string) error {
	return b.wrapErr("HSet", key, b.client.HSet(ctx, b.buildKey(key), field, value).Err())
}

func (b *RedisBackend) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := b.client.HGet(ctx, b.buildKey(key), field).Result()
	if err != nil {
		return "", b.wrapErr("HGet", key, err)
	}
	return val, nil
}

func (b *RedisBackend) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return b.wrapErr("HDel", key, b.client.HDel(ctx, b.buildKey(key), fields...).Err())
}

func (b *RedisBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	all, err := b.client.HGetAll(ctx, b.buildKey(key)).Result()
	if err != nil {
		return nil, b.wrapErr("HGetAll", key, err)
	}
	return all, nil
}

func (b *RedisBackend) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := b.client.HExists(ctx, b.buildKey(key), field).Result()
	if err != nil {
		return false, b.wrapErr("HExists", key, err)
	}
	return ok, nil
}

func (b *RedisBackend) HLen(ctx context.Context, key string) (int64, error) {
	n, err := b.client.HLen(ctx, b.buildKey(key)).Result()
	if err != nil {
		return 0, b.wrapErr("HLen", key, err)
	}
	return n, nil
}

// ===== KeyScanner =====

// ScanKeys 按前缀扫描键，返回去除全局前缀后的键名
// 使用 SCAN 游标避免阻塞，结果规模受限于存活键数量
func (b *RedisBackend) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	pattern := b.buildKey(prefix) + "*"
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, b.wrapErr("ScanKeys", prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, k[len(b.keyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// ===== 通用键操作 =====

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = b.buildKey(k)
	}
	return b.wrapErr("Delete", keys[0], b.client.Del(ctx, fullKeys...).Err())
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.buildKey(key)).Result()
	if err != nil {
		return false, b.wrapErr("Exists", key, err)
	}
	return n > 0, nil
}

func (b *RedisBackend) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := b.client.Expire(ctx, b.buildKey(key), ttl).Result()
	if err != nil {
		return b.wrapErr("Refresh", key, err)
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return store.NewUnavailable("Ping", "", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Client 获取底层客户端（Pub/Sub 复用同一连接配置）
func (b *RedisBackend) Client() redis.UniversalClient {
	return b.client
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// 编译期接口校验
var _ store.Backend = (*RedisBackend)(nil)
