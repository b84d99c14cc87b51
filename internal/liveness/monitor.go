// Package liveness 周期巡检心跳记录，清理静默失联的用户
// 心跳键短 TTL 过期是第一道防线，巡检负责在过期前主动回收状态
package liveness

import (
	"context"
	"time"

	"collab-core/internal/broker"
	"collab-core/internal/core/dispose"
	corelog "collab-core/internal/core/log"
	"collab-core/internal/presence"
)

const (
	// DefaultInterval 默认巡检间隔
	DefaultInterval = 30 * time.Second

	// DefaultStaleAfter 心跳静默超过该时长即判定失联
	DefaultStaleAfter = 90 * time.Second
)

// SweepNotifier 清理通知发布方，通常由 fanout 适配器实现
type SweepNotifier interface {
	PublishUserSwept(msg broker.UserSweptMessage)
}

// Options 巡检配置
type Options struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Monitor 心跳巡检器
type Monitor struct {
	*dispose.ServiceBase

	idx        *presence.Index
	notifier   SweepNotifier
	interval   time.Duration
	staleAfter time.Duration

	// 测试注入的时钟
	now func() time.Time
}

// NewMonitor 创建巡检器，notifier 可为 nil（一次性工具场景）
func NewMonitor(parentCtx context.Context, idx *presence.Index, notifier SweepNotifier, opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Monitor{
		ServiceBase: dispose.NewService("LivenessMonitor", parentCtx),
		idx:         idx,
		notifier:    notifier,
		interval:    interval,
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// Start 启动后台巡检循环
func (m *Monitor) Start() {
	go m.loop()
	corelog.Infof("liveness: monitor started, interval=%s stale_after=%s", m.interval, m.staleAfter)
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			swept, err := m.SweepOnce(m.Ctx())
			if err != nil {
				corelog.Warnf("liveness: sweep failed: %v", err)
				continue
			}
			if swept > 0 {
				corelog.Infof("liveness: swept %d stale users", swept)
			}
		case <-m.Ctx().Done():
			return
		}
	}
}

// SweepOnce 执行一轮巡检，返回清理的用户数
// 单个用户清理失败跳过并记录，不中断整轮巡检
func (m *Monitor) SweepOnce(ctx context.Context) (int, error) {
	heartbeats, err := m.idx.ListAllHeartbeats(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-m.staleAfter).UnixMilli()
	swept := 0
	for userID, lastMs := range heartbeats {
		if lastMs >= cutoff {
			continue
		}
		if err := m.idx.CleanupUser(ctx, userID); err != nil {
			corelog.Warnf("liveness: cleanup user %s failed: %v", userID, err)
			continue
		}
		swept++
		corelog.Infof("liveness: swept stale user %s, last heartbeat %dms ago",
			userID, m.now().UnixMilli()-lastMs)
		if m.notifier != nil {
			m.notifier.PublishUserSwept(broker.UserSweptMessage{
				UserID:          userID,
				LastHeartbeatMs: lastMs,
			})
		}
	}
	return swept, nil
}
