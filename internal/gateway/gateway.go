// Package gateway 实时接入网关
// 负责 WebSocket 升级、令牌校验、事件分发与断连状态回收
//
// 共享存储不可达时网关降级运行：连接保持、本地广播继续，
// 只是跨节点可见性暂时失真，存储恢复后状态随写入自愈。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collab-core/internal/authz"
	"collab-core/internal/broker"
	"collab-core/internal/core/dispose"
	corelog "collab-core/internal/core/log"
	"collab-core/internal/fanout"
	"collab-core/internal/hub"
	"collab-core/internal/presence"
)

// Options 网关配置
type Options struct {
	// MessageRate 单连接上行消息速率（条/秒），<=0 取 10
	MessageRate float64 `yaml:"message_rate"`
	// MessageBurst 突发额度，<=0 取 20
	MessageBurst int `yaml:"message_burst"`
}

// Gateway 实时接入网关
type Gateway struct {
	*dispose.ServiceBase

	h       *hub.Hub
	idx     *presence.Index
	adapter *fanout.Adapter
	checker authz.Checker
	auth    *TokenVerifier

	upgrader websocket.Upgrader
	msgRate  rate.Limit
	msgBurst int
}

// NewGateway 创建网关并挂接集群事件回调
func NewGateway(parentCtx context.Context, h *hub.Hub, idx *presence.Index,
	adapter *fanout.Adapter, checker authz.Checker, auth *TokenVerifier, opts Options) *Gateway {

	msgRate := opts.MessageRate
	if msgRate <= 0 {
		msgRate = 10
	}
	msgBurst := opts.MessageBurst
	if msgBurst <= 0 {
		msgBurst = 20
	}

	g := &Gateway{
		ServiceBase: dispose.NewService("Gateway", parentCtx),
		h:           h,
		idx:         idx,
		adapter:     adapter,
		checker:     checker,
		auth:        auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 跨域由前置网关控制
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		msgRate:  rate.Limit(msgRate),
		msgBurst: msgBurst,
	}

	// 在线状态变更扩散到工作区房间
	// 经 DeliverLocal 投递，每个节点各自收到回调后本地扩散，不再二次镜像
	adapter.OnPresenceChanged(func(msg broker.PresenceChangedMessage) {
		if msg.WorkspaceID == "" {
			return
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		g.h.DeliverLocal(hub.WorkspaceRoom(msg.WorkspaceID), EventPresenceChanged, data, "")
	})

	// 心跳超时被巡检清理的用户，其残留连接就地关闭
	adapter.OnUserSwept(func(msg broker.UserSweptMessage) {
		if n := g.h.CloseUserConns(msg.UserID); n > 0 {
			corelog.Infof("gateway: closed %d conns of swept user %s", n, msg.UserID)
		}
	})

	return g
}

// HandleWS WebSocket 接入端点
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := g.auth.Verify(token)
	if err != nil {
		corelog.Warnf("gateway: reject connection, token verify failed: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		corelog.Warnf("gateway: upgrade failed: %v", err)
		return
	}

	connID := uuid.NewString()
	conn := hub.NewConn(connID, claims.Subject, claims.Profile(), ws, g.msgRate, g.msgBurst)
	go g.serve(conn)
}

// serve 单连接会话循环，返回时连接已回收
func (g *Gateway) serve(conn *hub.Conn) {
	ctx := g.Ctx()
	g.h.Add(conn)
	g.h.JoinRoom(conn.ID, hub.UserRoom(conn.UserID))
	conn.SetupReadLimits()
	go conn.WriteLoop()

	// 登记失败不拒绝连接，存储恢复后状态随写入重建
	if err := g.idx.RegisterConnection(ctx, conn.UserID, conn.ID); err != nil {
		corelog.Warnf("gateway: register connection failed, serving degraded: %v", err)
	}
	if err := g.idx.RecordHeartbeat(ctx, conn.UserID, time.Now().UnixMilli()); err != nil &&
		presence.IsBackendUnavailable(err) {
		corelog.Warnf("gateway: initial heartbeat failed: %v", err)
	}

	ack, _ := json.Marshal(ConnectedPayload{ConnID: conn.ID, NodeID: g.adapter.NodeID()})
	conn.EnqueueFrame(EventConnected, ack)
	corelog.Infof("gateway: conn opened, conn=%s user=%s", conn.ID, conn.UserID)

	defer g.teardown(conn)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, hub.ErrMalformedFrame) {
				g.sendError(conn, ErrCodeBadPayload, "frame must be valid JSON")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				corelog.Warnf("gateway: conn read error, conn=%s: %v", conn.ID, err)
			}
			return
		}
		if !conn.AllowMessage() {
			g.sendError(conn, ErrCodeRateLimited, "too many messages")
			continue
		}
		g.dispatch(conn, frame)
	}
}

func (g *Gateway) dispatch(conn *hub.Conn, frame *hub.Frame) {
	switch frame.Event {
	case EventJoinChannel:
		g.handleJoinChannel(conn, frame.Data)
	case EventLeaveChannel:
		g.handleLeaveChannel(conn, frame.Data)
	case EventEnterWorkspace:
		g.handleEnterWorkspace(conn, frame.Data)
	case EventLeaveWorkspace:
		g.handleLeaveWorkspace(conn, frame.Data)
	case EventSendMessage:
		g.handleSendMessage(conn, frame.Data)
	case EventTyping:
		g.handleTyping(conn, frame.Data)
	case EventHeartbeat:
		g.handleHeartbeat(conn)
	default:
		g.sendError(conn, ErrCodeUnknownEvent, "unknown event: "+frame.Event)
	}
}

func (g *Gateway) handleJoinChannel(conn *hub.Conn, data json.RawMessage) {
	var p ChannelPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		g.sendError(conn, ErrCodeBadPayload, "channel_id is required")
		return
	}
	ctx := g.Ctx()

	ok, err := g.checker.CanJoinChannel(ctx, conn.UserID, p.ChannelID)
	if err != nil {
		corelog.Warnf("gateway: authz check failed for channel %s: %v", p.ChannelID, err)
		g.sendError(conn, ErrCodeForbidden, "membership check unavailable")
		return
	}
	if !ok {
		g.sendError(conn, ErrCodeForbidden, "not a member of channel "+p.ChannelID)
		return
	}

	// 本地房间先行，存储失败只影响跨节点可见性
	g.h.JoinRoom(conn.ID, hub.ChannelRoom(p.ChannelID))

	if err := g.joinChannelPresence(ctx, conn, p.ChannelID); err != nil {
		corelog.Warnf("gateway: channel presence write failed, conn=%s channel=%s: %v",
			conn.ID, p.ChannelID, err)
	}

	joined, _ := json.Marshal(conn.Profile)
	g.h.Broadcast(hub.ChannelRoom(p.ChannelID), EventUserJoined, joined, conn.ID)
}

func (g *Gateway) joinChannelPresence(ctx context.Context, conn *hub.Conn, channelID string) error {
	if err := g.idx.JoinChannelRoom(ctx, conn.ID, channelID); err != nil {
		return err
	}
	if err := g.idx.AddChannelMember(ctx, channelID, conn.Profile); err != nil {
		return err
	}
	return g.idx.AddChannelConnection(ctx, channelID, conn.UserID, conn.ID)
}

func (g *Gateway) handleLeaveChannel(conn *hub.Conn, data json.RawMessage) {
	var p ChannelPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		g.sendError(conn, ErrCodeBadPayload, "channel_id is required")
		return
	}
	ctx := g.Ctx()

	g.h.LeaveRoom(conn.ID, hub.ChannelRoom(p.ChannelID))
	if err := g.idx.LeaveChannelAsConnection(ctx, p.ChannelID, conn.UserID, conn.ID); err != nil {
		corelog.Warnf("gateway: leave channel presence failed, conn=%s channel=%s: %v",
			conn.ID, p.ChannelID, err)
	}

	// 最后一条连接退出后成员表已回收，向频道广播离开事件
	stillOnline, err := g.idx.IsChannelMemberOnline(ctx, p.ChannelID, conn.UserID)
	if err == nil && !stillOnline {
		left, _ := json.Marshal(conn.Profile)
		g.h.Broadcast(hub.ChannelRoom(p.ChannelID), EventUserLeft, left, conn.ID)
	}
}

func (g *Gateway) handleEnterWorkspace(conn *hub.Conn, data json.RawMessage) {
	var p WorkspacePayload
	if err := json.Unmarshal(data, &p); err != nil || p.WorkspaceID == "" {
		g.sendError(conn, ErrCodeBadPayload, "workspace_id is required")
		return
	}
	ctx := g.Ctx()

	ok, err := g.checker.CanEnterWorkspace(ctx, conn.UserID, p.WorkspaceID)
	if err != nil {
		corelog.Warnf("gateway: authz check failed for workspace %s: %v", p.WorkspaceID, err)
		g.sendError(conn, ErrCodeForbidden, "membership check unavailable")
		return
	}
	if !ok {
		g.sendError(conn, ErrCodeForbidden, "not a member of workspace "+p.WorkspaceID)
		return
	}

	// 工作区上下文互斥：先退出旧工作区再绑定新的
	if prev, err := g.idx.GetConnectionWorkspace(ctx, conn.ID); err == nil && prev != "" && prev != p.WorkspaceID {
		g.exitWorkspace(conn, prev)
	}

	g.h.JoinRoom(conn.ID, hub.WorkspaceRoom(p.WorkspaceID))
	if err := g.idx.SetConnectionWorkspace(ctx, conn.ID, p.WorkspaceID); err != nil {
		corelog.Warnf("gateway: set conn workspace failed: %v", err)
	}
	if err := g.idx.AddWorkspaceUser(ctx, p.WorkspaceID, conn.UserID); err != nil {
		corelog.Warnf("gateway: add workspace user failed: %v", err)
	}

	// 第一条进入该工作区的连接产生上线事件
	if n, err := g.idx.CountUserConnectionsInWorkspace(ctx, conn.UserID, p.WorkspaceID); err == nil && n == 1 {
		g.adapter.PublishPresenceChanged(broker.PresenceChangedMessage{
			UserID:      conn.UserID,
			Online:      true,
			WorkspaceID: p.WorkspaceID,
		})
	}
}

func (g *Gateway) handleLeaveWorkspace(conn *hub.Conn, data json.RawMessage) {
	var p WorkspacePayload
	if err := json.Unmarshal(data, &p); err != nil || p.WorkspaceID == "" {
		g.sendError(conn, ErrCodeBadPayload, "workspace_id is required")
		return
	}
	g.exitWorkspace(conn, p.WorkspaceID)
}

// exitWorkspace 解除连接与工作区的绑定，必要时产生下线事件
func (g *Gateway) exitWorkspace(conn *hub.Conn, workspaceID string) {
	ctx := g.Ctx()
	g.h.LeaveRoom(conn.ID, hub.WorkspaceRoom(workspaceID))
	if err := g.idx.LeaveWorkspaceAsConnection(ctx, workspaceID, conn.UserID, conn.ID); err != nil {
		corelog.Warnf("gateway: leave workspace presence failed, conn=%s workspace=%s: %v",
			conn.ID, workspaceID, err)
		return
	}
	if n, err := g.idx.CountUserConnectionsInWorkspace(ctx, conn.UserID, workspaceID); err == nil && n == 0 {
		g.adapter.PublishPresenceChanged(broker.PresenceChangedMessage{
			UserID:      conn.UserID,
			Online:      false,
			WorkspaceID: workspaceID,
		})
	}
}

func (g *Gateway) handleSendMessage(conn *hub.Conn, data json.RawMessage) {
	var p MessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		g.sendError(conn, ErrCodeBadPayload, "channel_id is required")
		return
	}
	// 发言资格随 join_channel 时的成员校验建立，未加入的连接不得广播
	if !g.h.InRoom(conn.ID, hub.ChannelRoom(p.ChannelID)) {
		g.sendError(conn, ErrCodeForbidden, "join channel "+p.ChannelID+" before sending")
		return
	}

	out, err := json.Marshal(struct {
		ChannelID string           `json:"channel_id"`
		Sender    presence.Profile `json:"sender"`
		Content   json.RawMessage  `json:"content"`
		SentAt    int64            `json:"sent_at"`
	}{
		ChannelID: p.ChannelID,
		Sender:    conn.Profile,
		Content:   p.Content,
		SentAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		g.sendError(conn, ErrCodeBadPayload, "invalid message content")
		return
	}
	g.h.Broadcast(hub.ChannelRoom(p.ChannelID), EventNewMessage, out, conn.ID)
}

func (g *Gateway) handleTyping(conn *hub.Conn, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		g.sendError(conn, ErrCodeBadPayload, "channel_id is required")
		return
	}
	if !g.h.InRoom(conn.ID, hub.ChannelRoom(p.ChannelID)) {
		g.sendError(conn, ErrCodeForbidden, "join channel "+p.ChannelID+" before sending")
		return
	}

	out, _ := json.Marshal(struct {
		ChannelID string           `json:"channel_id"`
		User      presence.Profile `json:"user"`
		IsTyping  bool             `json:"is_typing"`
	}{
		ChannelID: p.ChannelID,
		User:      conn.Profile,
		IsTyping:  p.IsTyping,
	})
	g.h.Broadcast(hub.ChannelRoom(p.ChannelID), EventTyping, out, conn.ID)
}

func (g *Gateway) handleHeartbeat(conn *hub.Conn) {
	if err := g.idx.RecordHeartbeat(g.Ctx(), conn.UserID, time.Now().UnixMilli()); err != nil {
		corelog.Warnf("gateway: record heartbeat failed, user=%s: %v", conn.UserID, err)
	}
	conn.EnqueueFrame(EventHeartbeatAck, nil)
}

// teardown 连接断开后的状态回收
// 使用不随连接取消的上下文，保证清理在网关存活期间完成
func (g *Gateway) teardown(conn *hub.Conn) {
	conn.Close()
	g.h.Remove(conn.ID)

	ctx := context.WithoutCancel(g.Ctx())
	workspaceID, wsErr := g.idx.GetConnectionWorkspace(ctx, conn.ID)

	if err := g.idx.CleanupConnection(ctx, conn.UserID, conn.ID); err != nil {
		corelog.Warnf("gateway: cleanup connection failed, conn=%s: %v", conn.ID, err)
	}

	if wsErr == nil && workspaceID != "" {
		if n, err := g.idx.CountUserConnectionsInWorkspace(ctx, conn.UserID, workspaceID); err == nil && n == 0 {
			g.adapter.PublishPresenceChanged(broker.PresenceChangedMessage{
				UserID:      conn.UserID,
				Online:      false,
				WorkspaceID: workspaceID,
			})
		}
	}
	corelog.Infof("gateway: conn closed, conn=%s user=%s", conn.ID, conn.UserID)
}

func (g *Gateway) sendError(conn *hub.Conn, code, message string) {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	conn.EnqueueFrame(EventError, data)
}
