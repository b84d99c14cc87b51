// Package presence 维护跨节点的在线状态索引
//
// 所有映射以共享存储为后备，单键原子操作保证并发安全，
// TTL 随每次写入刷新，废弃状态自动衰减（无需人工干预）。
// 所有操作幂等，可安全重试。
package presence

import (
	"context"
	"encoding/json"
	"time"

	"collab-core/internal/core/store"
)

const (
	// DefaultTTL 连接派生状态的通用 TTL
	DefaultTTL = 3600 * time.Second

	// DefaultHeartbeatTTL 心跳记录 TTL（短于通用 TTL，用于检测静默断连）
	DefaultHeartbeatTTL = 120 * time.Second
)

// Profile 成员的轻量档案快照
// 区别于持久化的授权成员记录，仅用于在线成员展示
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Options Presence Index 配置
type Options struct {
	TTL          time.Duration // 通用 TTL，<=0 取 DefaultTTL
	HeartbeatTTL time.Duration // 心跳 TTL，<=0 取 DefaultHeartbeatTTL
}

// Index 分布式在线状态索引
// 后端作为显式依赖注入，可替换为内嵌实现做单元测试
type Index struct {
	backend      store.Backend
	ttl          time.Duration
	heartbeatTTL time.Duration
}

// NewIndex 创建 Presence Index
func NewIndex(backend store.Backend, opts Options) *Index {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	heartbeatTTL := opts.HeartbeatTTL
	if heartbeatTTL <= 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	return &Index{backend: backend, ttl: ttl, heartbeatTTL: heartbeatTTL}
}

// IsBackendUnavailable 检查错误是否为共享存储不可达
// 调用方对此类错误降级处理，不得让请求路径失败
func IsBackendUnavailable(err error) bool {
	return store.IsUnavailable(err)
}

// touch 写入后刷新 TTL；键在写入后被并发删除时忽略 NotFound
func (idx *Index) touch(ctx context.Context, key string) error {
	if err := idx.backend.Refresh(ctx, key, idx.ttl); err != nil && !store.IsNotFound(err) {
		return err
	}
	return nil
}

// ===== 用户在线连接集合 =====

// RegisterConnection 将连接登记到用户的在线集合，重复登记幂等
func (idx *Index) RegisterConnection(ctx context.Context, userID, connID string) error {
	key := userSocketsKey(userID)
	if err := idx.backend.SAdd(ctx, key, connID); err != nil {
		return err
	}
	return idx.touch(ctx, key)
}

// UnregisterConnection 从用户在线集合移除连接，不存在不报错
func (idx *Index) UnregisterConnection(ctx context.Context, userID, connID string) error {
	return idx.backend.SRem(ctx, userSocketsKey(userID), connID)
}

// ListConnections 列出用户当前全部连接
func (idx *Index) ListConnections(ctx context.Context, userID string) ([]string, error) {
	return idx.backend.SMembers(ctx, userSocketsKey(userID))
}

// IsOnline 用户是否在线（基数检查，O(1)）
func (idx *Index) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := idx.backend.SCard(ctx, userSocketsKey(userID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ===== 连接的频道房间集合 =====

// JoinChannelRoom 记录连接加入频道房间
func (idx *Index) JoinChannelRoom(ctx context.Context, connID, channelID string) error {
	key := socketChannelsKey(connID)
	if err := idx.backend.SAdd(ctx, key, channelID); err != nil {
		return err
	}
	return idx.touch(ctx, key)
}

// LeaveChannelRoom 记录连接离开频道房间
func (idx *Index) LeaveChannelRoom(ctx context.Context, connID, channelID string) error {
	return idx.backend.SRem(ctx, socketChannelsKey(connID), channelID)
}

// ListChannelRooms 列出连接已加入的频道（拆除时用于定位待清理集合）
func (idx *Index) ListChannelRooms(ctx context.Context, connID string) ([]string, error) {
	return idx.backend.SMembers(ctx, socketChannelsKey(connID))
}

// ClearChannelRooms 整体删除连接的频道集合（断连后的快路径清理）
func (idx *Index) ClearChannelRooms(ctx context.Context, connID string) error {
	return idx.backend.Delete(ctx, socketChannelsKey(connID))
}

// ===== 频道在线成员哈希 =====

// AddChannelMember 将用户档案快照写入频道在线成员表
func (idx *Index) AddChannelMember(ctx context.Context, channelID string, profile Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	key := channelUsersKey(channelID)
	if err := idx.backend.HSet(ctx, key, profile.ID, string(data)); err != nil {
		return err
	}
	return idx.touch(ctx, key)
}

// RemoveChannelMember 从频道在线成员表移除用户
func (idx *Index) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	return idx.backend.HDel(ctx, channelUsersKey(channelID), userID)
}

// ListChannelMembers 列出频道当前在线成员快照
func (idx *Index) ListChannelMembers(ctx context.Context, channelID string) ([]Profile, error) {
	all, err := idx.backend.HGetAll(ctx, channelUsersKey(channelID))
	if err != nil {
		return nil, err
	}
	members := make([]Profile, 0, len(all))
	for _, raw := range all {
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			// 损坏的快照按缺失处理，等待 TTL 衰减
			continue
		}
		members = append(members, p)
	}
	return members, nil
}

// GetChannelMember 获取频道内指定用户的档案快照
func (idx *Index) GetChannelMember(ctx context.Context, channelID, userID string) (Profile, error) {
	raw, err := idx.backend.HGet(ctx, channelUsersKey(channelID), userID)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, store.ErrNotFound
	}
	return p, nil
}

// IsChannelMemberOnline 用户在频道内是否在线
func (idx *Index) IsChannelMemberOnline(ctx context.Context, channelID, userID string) (bool, error) {
	return idx.backend.HExists(ctx, channelUsersKey(channelID), userID)
}

// ===== 频道-用户连接集合 =====

// AddChannelConnection 记录用户的某个连接加入频道
// 同一用户多端可同时在同一频道，移除必须按连接粒度
func (idx *Index) AddChannelConnection(ctx context.Context, channelID, userID, connID string) error {
	key := channelUserSocketsKey(channelID, userID)
	if err := idx.backend.SAdd(ctx, key, connID); err != nil {
		return err
	}
	return idx.touch(ctx, key)
}

// RemoveChannelConnection 移除用户在频道内的某个连接
func (idx *Index) RemoveChannelConnection(ctx context.Context, channelID, userID, connID string) error {
	return idx.backend.SRem(ctx, channelUserSocketsKey(channelID, userID), connID)
}

// ListChannelConnections 列出用户在频道内的连接
func (idx *Index) ListChannelConnections(ctx context.Context, channelID, userID string) ([]string, error) {
	return idx.backend.SMembers(ctx, channelUserSocketsKey(channelID, userID))
}

// HasChannelConnections 用户在频道内是否还有连接
func (idx *Index) HasChannelConnections(ctx context.Context, channelID, userID string) (bool, error) {
	n, err := idx.backend.SCard(ctx, channelUserSocketsKey(channelID, userID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ===== 工作区在线用户集合 =====

// AddWorkspaceUser 将用户加入工作区在线集合
func (idx *Index) AddWorkspaceUser(ctx context.Context, workspaceID, userID string) error {
	key := workspaceUsersKey(workspaceID)
	if err := idx.backend.SAdd(ctx, key, userID); err != nil {
		return err
	}
	return idx.touch(ctx, key)
}

// RemoveWorkspaceUser 从工作区在线集合移除用户
func (idx *Index) RemoveWorkspaceUser(ctx context.Context, workspaceID, userID string) error {
	return idx.backend.SRem(ctx, workspaceUsersKey(workspaceID), userID)
}

// ListWorkspaceUsers 列出工作区在线用户
func (idx *Index) ListWorkspaceUsers(ctx context.Context, workspaceID string) ([]string, error) {
	return idx.backend.SMembers(ctx, workspaceUsersKey(workspaceID))
}

// IsUserInWorkspace 用户是否在工作区在线集合中
func (idx *Index) IsUserInWorkspace(ctx context.Context, workspaceID, userID string) (bool, error) {
	return idx.backend.SIsMember(ctx, workspaceUsersKey(workspaceID), userID)
}

// ===== 连接的工作区上下文 =====

// SetConnectionWorkspace 设置连接的活跃工作区上下文
//
// 约定：本方法不会清理前一个工作区的关联状态。切换工作区时
// 调用方必须先对旧工作区执行 LeaveWorkspaceAsConnection，
// 再设置新上下文（网关层按此约定实现）。
func (idx *Index) SetConnectionWorkspace(ctx context.Context, connID, workspaceID string) error {
	return idx.backend.SetWithTTL(ctx, socketWorkspaceKey(connID), workspaceID, idx.ttl)
}

// GetConnectionWorkspace 获取连接的活跃工作区，未设置返回 ErrNotFound
func (idx *Index) GetConnectionWorkspace(ctx context.Context, connID string) (string, error) {
	return idx.backend.Get(ctx, socketWorkspaceKey(connID))
}

// ClearConnectionWorkspace 清除连接的工作区上下文
func (idx *Index) ClearConnectionWorkspace(ctx context.Context, connID string) error {
	return idx.backend.Delete(ctx, socketWorkspaceKey(connID))
}

// CountUserConnectionsInWorkspace 统计用户在指定工作区的连接数
// 派生指标，遍历用户连接集合，O(用户连接数)
func (idx *Index) CountUserConnectionsInWorkspace(ctx context.Context, userID, workspaceID string) (int, error) {
	conns, err := idx.ListConnections(ctx, userID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, connID := range conns {
		wsID, err := idx.GetConnectionWorkspace(ctx, connID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return 0, err
		}
		if wsID == workspaceID {
			count++
		}
	}
	return count, nil
}
