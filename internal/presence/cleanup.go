package presence

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"collab-core/internal/core/store"
)

// LeaveChannelAsConnection 以单一逻辑单元执行频道退出：
// 先从频道-用户连接集合移除该连接，集合为空时再摘除成员快照。
// 将跨键约定收敛到这里，避免调用方自行组合产生漏删
func (idx *Index) LeaveChannelAsConnection(ctx context.Context, channelID, userID, connID string) error {
	if err := idx.RemoveChannelConnection(ctx, channelID, userID, connID); err != nil {
		return err
	}
	stillJoined, err := idx.HasChannelConnections(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !stillJoined {
		return idx.RemoveChannelMember(ctx, channelID, userID)
	}
	return nil
}

// LeaveWorkspaceAsConnection 清除连接的工作区上下文，
// 该用户在此工作区再无其他连接时将其移出工作区在线集合
func (idx *Index) LeaveWorkspaceAsConnection(ctx context.Context, workspaceID, userID, connID string) error {
	if err := idx.ClearConnectionWorkspace(ctx, connID); err != nil {
		return err
	}
	remaining, err := idx.CountUserConnectionsInWorkspace(ctx, userID, workspaceID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return idx.RemoveWorkspaceUser(ctx, workspaceID, userID)
	}
	return nil
}

// CleanupConnection 连接的完整拆除路径（干净断连与巡检共用）
//
// 各清理步骤相互独立且幂等，频道退出并发执行；清理不可取消，
// 即便触发方的 context 已结束也会执行到底。某一步失败不阻断
// 其余步骤，残留键由 TTL 自愈兜底。
func (idx *Index) CleanupConnection(ctx context.Context, userID, connID string) error {
	// 清理动作脱离调用方的取消信号
	ctx = context.WithoutCancel(ctx)

	// 先收集需要清理的频道与工作区上下文
	channels, chanErr := idx.ListChannelRooms(ctx, connID)
	workspaceID, wsErr := idx.GetConnectionWorkspace(ctx, connID)
	hasWorkspace := wsErr == nil

	// 先摘除连接本身，后续的工作区连接计数才不会把自己算进去
	unregErr := idx.UnregisterConnection(ctx, userID, connID)

	var g errgroup.Group
	for _, channelID := range channels {
		g.Go(func() error {
			return idx.LeaveChannelAsConnection(ctx, channelID, userID, connID)
		})
	}
	g.Go(func() error {
		return idx.ClearChannelRooms(ctx, connID)
	})
	if hasWorkspace {
		g.Go(func() error {
			return idx.LeaveWorkspaceAsConnection(ctx, workspaceID, userID, connID)
		})
	} else {
		g.Go(func() error {
			return idx.ClearConnectionWorkspace(ctx, connID)
		})
	}
	groupErr := g.Wait()

	switch {
	case unregErr != nil:
		return unregErr
	case groupErr != nil:
		return groupErr
	case chanErr != nil:
		return chanErr
	case wsErr != nil && !store.IsNotFound(wsErr):
		return wsErr
	}
	return nil
}

// CleanupUser 拆除用户的全部连接（心跳超时巡检的下游清理）
// 心跳键自身依赖 TTL 过期，这里只负责驱动派生状态的清理
func (idx *Index) CleanupUser(ctx context.Context, userID string) error {
	ctx = context.WithoutCancel(ctx)

	conns, err := idx.ListConnections(ctx, userID)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, connID := range conns {
		g.Go(func() error {
			return idx.CleanupConnection(ctx, userID, connID)
		})
	}
	connErr := g.Wait()

	// 逐连接拆除只能触达 socket:<sid>:channels 反查索引还在的状态，
	// 崩溃后的部分写入可能只留下频道侧的键。再按键空间核对一遍兜底
	if err := idx.reconcileChannelState(ctx, userID); err != nil && connErr == nil {
		connErr = err
	}
	return connErr
}

// reconcileChannelState 直接扫描频道键空间核对用户的残留状态。
// 成员快照或频道连接集合中仍引用已不在线连接的条目一律摘除，
// 不依赖连接侧索引是否完好
func (idx *Index) reconcileChannelState(ctx context.Context, userID string) error {
	keys, err := idx.backend.ScanKeys(ctx, "channel:")
	if err != nil {
		return err
	}

	conns, err := idx.ListConnections(ctx, userID)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(conns))
	for _, connID := range conns {
		live[connID] = struct{}{}
	}

	socketsSuffix := ":user:" + userID + ":sockets"
	channels := make(map[string]struct{})
	for _, key := range keys {
		if strings.HasSuffix(key, socketsSuffix) {
			cid := strings.TrimSuffix(strings.TrimPrefix(key, "channel:"), socketsSuffix)
			channels[cid] = struct{}{}
			continue
		}
		if strings.HasSuffix(key, ":users") {
			member, err := idx.backend.HExists(ctx, key, userID)
			if err != nil {
				if store.IsNotFound(err) {
					continue
				}
				return err
			}
			if member {
				cid := strings.TrimSuffix(strings.TrimPrefix(key, "channel:"), ":users")
				channels[cid] = struct{}{}
			}
		}
	}

	var g errgroup.Group
	for channelID := range channels {
		g.Go(func() error {
			stale, err := idx.ListChannelConnections(ctx, channelID, userID)
			if err != nil {
				return err
			}
			for _, connID := range stale {
				if _, ok := live[connID]; ok {
					continue
				}
				if err := idx.RemoveChannelConnection(ctx, channelID, userID, connID); err != nil {
					return err
				}
			}
			stillJoined, err := idx.HasChannelConnections(ctx, channelID, userID)
			if err != nil {
				return err
			}
			if !stillJoined {
				return idx.RemoveChannelMember(ctx, channelID, userID)
			}
			return nil
		})
	}
	return g.Wait()
}
