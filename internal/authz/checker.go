// Package authz 提供加入频道与进入工作区前的成员资格校验边界
// 实时层不拥有成员关系数据，真实判定委托给平台数据库
package authz

import (
	"context"
)

// Checker 成员资格校验接口
type Checker interface {
	// CanJoinChannel 用户是否有权加入频道
	CanJoinChannel(ctx context.Context, userID, channelID string) (bool, error)

	// CanEnterWorkspace 用户是否有权进入工作区
	CanEnterWorkspace(ctx context.Context, userID, workspaceID string) (bool, error)
}

// AllowAll 放行全部请求的校验器
// 用于单机部署与测试，成员资格由上游签发的令牌兜底
type AllowAll struct{}

func (AllowAll) CanJoinChannel(ctx context.Context, userID, channelID string) (bool, error) {
	return true, nil
}

func (AllowAll) CanEnterWorkspace(ctx context.Context, userID, workspaceID string) (bool, error) {
	return true, nil
}

var _ Checker = AllowAll{}
