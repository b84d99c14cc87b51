// Package fanout 将本地房间广播桥接到跨节点消息代理
// 挂接失败时系统保持单节点模式，房间广播语义对上层不变
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"collab-core/internal/broker"
	"collab-core/internal/core/dispose"
	corelog "collab-core/internal/core/log"
	"collab-core/internal/hub"
)

// State 适配器挂接状态
type State int32

const (
	// StateUnattached 尚未尝试挂接，广播只达本地
	StateUnattached State = iota
	// StateAttaching 正在建立代理连接
	StateAttaching
	// StateAttached 已挂接，广播镜像到全部节点
	StateAttached
	// StateDegraded 挂接失败后的降级态，行为与本地模式一致
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ErrAttachFailed 代理挂接失败
var ErrAttachFailed = errors.New("fanout attach failed")

// PresenceHandler 在线状态变更回调
type PresenceHandler func(msg broker.PresenceChangedMessage)

// SweepHandler 心跳超时清理回调
type SweepHandler func(msg broker.UserSweptMessage)

// Adapter 连接扇出适配器
// 持有方通过 hub 正常广播即可，适配器负责镜像与远端投递
type Adapter struct {
	*dispose.ServiceBase

	h      *hub.Hub
	nodeID string

	mu         sync.RWMutex
	state      State
	brk        broker.MessageBroker
	ownsBroker bool

	presenceHandlers []PresenceHandler
	sweepHandlers    []SweepHandler
}

// NewAdapter 创建适配器，初始为本地模式
func NewAdapter(parentCtx context.Context, h *hub.Hub, nodeID string) *Adapter {
	a := &Adapter{
		ServiceBase: dispose.NewService("FanoutAdapter", parentCtx),
		h:           h,
		nodeID:      nodeID,
		state:       StateUnattached,
	}
	a.AddCleanHandler(a.detach)
	return a
}

// State 当前挂接状态
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// NodeID 本节点标识
func (a *Adapter) NodeID() string {
	return a.nodeID
}

// OnPresenceChanged 注册在线状态变更回调
// 本地发布与远端到达统一经此回调，注册方无需区分来源
func (a *Adapter) OnPresenceChanged(fn PresenceHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presenceHandlers = append(a.presenceHandlers, fn)
}

// OnUserSwept 注册心跳清理回调
func (a *Adapter) OnUserSwept(fn SweepHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepHandlers = append(a.sweepHandlers, fn)
}

// TryAttach 尝试在有界超时内挂接 Redis 代理
// 失败时记录日志并进入降级态，绝不阻塞调用方超过配置的拨号超时
func (a *Adapter) TryAttach(config *broker.RedisBrokerConfig) bool {
	a.setState(StateAttaching)

	brk, err := broker.NewRedisBroker(a.Ctx(), config, a.nodeID)
	if err != nil {
		corelog.Warnf("fanout: broker attach failed, staying local-only: %v", err)
		a.setState(StateDegraded)
		return false
	}

	if err := a.attach(brk, true); err != nil {
		corelog.Warnf("fanout: broker subscribe failed, staying local-only: %v", err)
		brk.Close()
		a.setState(StateDegraded)
		return false
	}
	return true
}

// AttachBroker 挂接外部托管的代理实例
func (a *Adapter) AttachBroker(brk broker.MessageBroker) error {
	a.setState(StateAttaching)
	if err := a.attach(brk, false); err != nil {
		a.setState(StateDegraded)
		return fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}
	return nil
}

func (a *Adapter) attach(brk broker.MessageBroker, owns bool) error {
	ctx := a.Ctx()

	roomCh, err := brk.Subscribe(ctx, broker.TopicRoomBroadcast)
	if err != nil {
		return err
	}
	presenceCh, err := brk.Subscribe(ctx, broker.TopicPresenceChanged)
	if err != nil {
		return err
	}
	sweepCh, err := brk.Subscribe(ctx, broker.TopicUserSwept)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.brk = brk
	a.ownsBroker = owns
	a.state = StateAttached
	a.mu.Unlock()

	go a.roomLoop(roomCh)
	go a.presenceLoop(presenceCh)
	go a.sweepLoop(sweepCh)

	a.h.SetMirror(a.mirror)
	corelog.Infof("fanout: attached to broker, node=%s", a.nodeID)
	return nil
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// mirror 将本地房间广播镜像到其他节点
func (a *Adapter) mirror(room, event string, data json.RawMessage, excludeConnID string) {
	a.mu.RLock()
	brk := a.brk
	a.mu.RUnlock()
	if brk == nil {
		return
	}

	payload, err := json.Marshal(broker.RoomBroadcastMessage{
		Room:    room,
		Event:   event,
		Payload: data,
		Exclude: excludeConnID,
	})
	if err != nil {
		corelog.Errorf("fanout: marshal room broadcast failed: %v", err)
		return
	}
	if err := brk.Publish(a.Ctx(), broker.TopicRoomBroadcast, payload); err != nil {
		corelog.Warnf("fanout: publish room broadcast failed: %v", err)
	}
}

// PublishPresenceChanged 发布在线状态变更
// 先投递本地回调，挂接时再镜像到其他节点（远端会过滤本节点消息）
func (a *Adapter) PublishPresenceChanged(msg broker.PresenceChangedMessage) {
	a.invokePresence(msg)

	a.mu.RLock()
	brk := a.brk
	a.mu.RUnlock()
	if brk == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		corelog.Errorf("fanout: marshal presence changed failed: %v", err)
		return
	}
	if err := brk.Publish(a.Ctx(), broker.TopicPresenceChanged, payload); err != nil {
		corelog.Warnf("fanout: publish presence changed failed: %v", err)
	}
}

// PublishUserSwept 发布心跳清理通知
func (a *Adapter) PublishUserSwept(msg broker.UserSweptMessage) {
	a.invokeSweep(msg)

	a.mu.RLock()
	brk := a.brk
	a.mu.RUnlock()
	if brk == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		corelog.Errorf("fanout: marshal user swept failed: %v", err)
		return
	}
	if err := brk.Publish(a.Ctx(), broker.TopicUserSwept, payload); err != nil {
		corelog.Warnf("fanout: publish user swept failed: %v", err)
	}
}

func (a *Adapter) roomLoop(ch <-chan *broker.Message) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.NodeID == a.nodeID {
				continue
			}
			var rb broker.RoomBroadcastMessage
			if err := json.Unmarshal(msg.Payload, &rb); err != nil {
				corelog.Warnf("fanout: drop malformed room broadcast: %v", err)
				continue
			}
			a.h.DeliverLocal(rb.Room, rb.Event, rb.Payload, rb.Exclude)
		case <-a.Ctx().Done():
			return
		}
	}
}

func (a *Adapter) presenceLoop(ch <-chan *broker.Message) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.NodeID == a.nodeID {
				continue
			}
			var pc broker.PresenceChangedMessage
			if err := json.Unmarshal(msg.Payload, &pc); err != nil {
				corelog.Warnf("fanout: drop malformed presence message: %v", err)
				continue
			}
			a.invokePresence(pc)
		case <-a.Ctx().Done():
			return
		}
	}
}

func (a *Adapter) sweepLoop(ch <-chan *broker.Message) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.NodeID == a.nodeID {
				continue
			}
			var us broker.UserSweptMessage
			if err := json.Unmarshal(msg.Payload, &us); err != nil {
				corelog.Warnf("fanout: drop malformed sweep message: %v", err)
				continue
			}
			a.invokeSweep(us)
		case <-a.Ctx().Done():
			return
		}
	}
}

func (a *Adapter) invokePresence(msg broker.PresenceChangedMessage) {
	a.mu.RLock()
	handlers := make([]PresenceHandler, len(a.presenceHandlers))
	copy(handlers, a.presenceHandlers)
	a.mu.RUnlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (a *Adapter) invokeSweep(msg broker.UserSweptMessage) {
	a.mu.RLock()
	handlers := make([]SweepHandler, len(a.sweepHandlers))
	copy(handlers, a.sweepHandlers)
	a.mu.RUnlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (a *Adapter) detach() error {
	a.h.SetMirror(nil)

	a.mu.Lock()
	brk := a.brk
	owns := a.ownsBroker
	a.brk = nil
	a.state = StateUnattached
	a.mu.Unlock()

	if brk != nil && owns {
		return brk.Close()
	}
	return nil
}
