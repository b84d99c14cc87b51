package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-core/internal/authz"
	"collab-core/internal/broker"
	"collab-core/internal/core/store/embedded"
	"collab-core/internal/fanout"
	"collab-core/internal/hub"
	"collab-core/internal/presence"
)

const testSecret = "test-secret"

type denyChecker struct{}

func (denyChecker) CanJoinChannel(ctx context.Context, userID, channelID string) (bool, error) {
	return false, nil
}
func (denyChecker) CanEnterWorkspace(ctx context.Context, userID, workspaceID string) (bool, error) {
	return false, nil
}

type testEnv struct {
	srv     *httptest.Server
	h       *hub.Hub
	idx     *presence.Index
	adapter *fanout.Adapter
	auth    *TokenVerifier
}

func setupGateway(t *testing.T, checker authz.Checker) *testEnv {
	t.Helper()

	backend, err := embedded.NewBackend("presence:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	idx := presence.NewIndex(backend, presence.Options{
		TTL:          time.Hour,
		HeartbeatTTL: 2 * time.Minute,
	})

	h := hub.NewHub(context.Background())
	t.Cleanup(func() { h.Close() })

	adapter := fanout.NewAdapter(context.Background(), h, "node-test")
	t.Cleanup(func() { adapter.Close() })

	auth := NewTokenVerifier(testSecret)
	g := NewGateway(context.Background(), h, idx, adapter, checker, auth, Options{
		MessageRate:  100,
		MessageBurst: 100,
	})
	t.Cleanup(func() { g.Close() })

	srv := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, h: h, idx: idx, adapter: adapter, auth: auth}
}

func signToken(t *testing.T, env *testEnv, userID, username string) string {
	t.Helper()
	token, err := env.auth.Sign(&Claims{
		Username:         username,
		DisplayName:      strings.ToUpper(username[:1]) + username[1:],
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func dial(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "?token=" + token
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// waitFrame 读取直到出现目标事件，中途帧忽略
func waitFrame(t *testing.T, client *websocket.Conn, event string) hub.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, client.SetReadDeadline(deadline))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		var frame hub.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Event == event {
			return frame
		}
	}
	t.Fatalf("frame %q not received", event)
	return hub.Frame{}
}

func sendFrame(t *testing.T, client *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(hub.Frame{Event: event, Data: data}))
}

func connect(t *testing.T, env *testEnv, userID, username string) (*websocket.Conn, string) {
	t.Helper()
	client := dial(t, env, signToken(t, env, userID, username))
	frame := waitFrame(t, client, EventConnected)
	var ack ConnectedPayload
	require.NoError(t, json.Unmarshal(frame.Data, &ack))
	require.NotEmpty(t, ack.ConnID)
	return client, ack.ConnID
}

func TestHandleWS_RejectsBadToken(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnect_RegistersPresence(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})
	ctx := context.Background()

	_, connID := connect(t, env, "U1", "alice")

	online, err := env.idx.IsOnline(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, online)

	conns, err := env.idx.ListConnections(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []string{connID}, conns)

	// 连接建立即有心跳基线
	_, err = env.idx.GetHeartbeat(ctx, "U1")
	assert.NoError(t, err)
}

func TestJoinChannel_BroadcastAndPresence(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})
	ctx := context.Background()

	alice, _ := connect(t, env, "U1", "alice")
	bob, _ := connect(t, env, "U2", "bob")

	sendFrame(t, alice, EventJoinChannel, ChannelPayload{ChannelID: "C1"})
	require.Eventually(t, func() bool {
		return env.h.RoomSize(hub.ChannelRoom("C1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, bob, EventJoinChannel, ChannelPayload{ChannelID: "C1"})

	// 先加入的成员收到后来者的加入事件
	frame := waitFrame(t, alice, EventUserJoined)
	var joined presence.Profile
	require.NoError(t, json.Unmarshal(frame.Data, &joined))
	assert.Equal(t, "U2", joined.ID)
	assert.Equal(t, "bob", joined.Username)

	members, err := env.idx.ListChannelMembers(ctx, "C1")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestJoinChannel_Forbidden(t *testing.T) {
	env := setupGateway(t, denyChecker{})

	client, _ := connect(t, env, "U1", "alice")
	sendFrame(t, client, EventJoinChannel, ChannelPayload{ChannelID: "C1"})

	frame := waitFrame(t, client, EventError)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &errp))
	assert.Equal(t, ErrCodeForbidden, errp.Code)
	assert.Equal(t, 0, env.h.RoomSize(hub.ChannelRoom("C1")))
}

func TestSendMessage_RoutedToChannel(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})

	alice, _ := connect(t, env, "U1", "alice")
	bob, _ := connect(t, env, "U2", "bob")
	outsider, _ := connect(t, env, "U3", "carol")

	sendFrame(t, alice, EventJoinChannel, ChannelPayload{ChannelID: "C1"})
	sendFrame(t, bob, EventJoinChannel, ChannelPayload{ChannelID: "C1"})
	sendFrame(t, outsider, EventJoinChannel, ChannelPayload{ChannelID: "C2"})
	require.Eventually(t, func() bool {
		return env.h.RoomSize(hub.ChannelRoom("C1")) == 2 &&
			env.h.RoomSize(hub.ChannelRoom("C2")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, alice, EventSendMessage, MessagePayload{
		ChannelID: "C1",
		Content:   json.RawMessage(`{"text":"hello"}`),
	})

	frame := waitFrame(t, bob, EventNewMessage)
	var msg struct {
		ChannelID string           `json:"channel_id"`
		Sender    presence.Profile `json:"sender"`
		Content   json.RawMessage  `json:"content"`
		SentAt    int64            `json:"sent_at"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	assert.Equal(t, "C1", msg.ChannelID)
	assert.Equal(t, "U1", msg.Sender.ID)
	assert.JSONEq(t, `{"text":"hello"}`, string(msg.Content))
	assert.NotZero(t, msg.SentAt)

	// 非频道成员不应收到
	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var frame hub.Frame
		if err := outsider.ReadJSON(&frame); err != nil {
			break
		}
		assert.NotEqual(t, EventNewMessage, frame.Event)
	}
}

func TestSendMessage_RequiresJoinedChannel(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})

	alice, _ := connect(t, env, "U1", "alice")
	bob, _ := connect(t, env, "U2", "bob")
	sendFrame(t, bob, EventJoinChannel, ChannelPayload{ChannelID: "C1"})
	require.Eventually(t, func() bool {
		return env.h.RoomSize(hub.ChannelRoom("C1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// alice 未加入 C1，发言被拒
	sendFrame(t, alice, EventSendMessage, MessagePayload{
		ChannelID: "C1",
		Content:   json.RawMessage(`{"text":"sneak"}`),
	})

	frame := waitFrame(t, alice, EventError)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &errp))
	assert.Equal(t, ErrCodeForbidden, errp.Code)

	// 频道内成员没有收到这条消息
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var f hub.Frame
		if err := bob.ReadJSON(&f); err != nil {
			break
		}
		assert.NotEqual(t, EventNewMessage, f.Event)
	}
}

func TestTyping_RequiresJoinedChannel(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})

	client, _ := connect(t, env, "U1", "alice")
	sendFrame(t, client, EventTyping, TypingPayload{ChannelID: "C1", IsTyping: true})

	frame := waitFrame(t, client, EventError)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &errp))
	assert.Equal(t, ErrCodeForbidden, errp.Code)
}

func TestTyping_ExcludesSender(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})

	alice, _ := connect(t, env, "U1", "alice")
	bob, _ := connect(t, env, "U2", "bob")
	sendFrame(t, alice, EventJoinChannel, ChannelPayload{ChannelID: "C1"})
	sendFrame(t, bob, EventJoinChannel, ChannelPayload{ChannelID: "C1"})
	require.Eventually(t, func() bool {
		return env.h.RoomSize(hub.ChannelRoom("C1")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, alice, EventTyping, TypingPayload{ChannelID: "C1", IsTyping: true})

	frame := waitFrame(t, bob, EventTyping)
	var typing struct {
		ChannelID string           `json:"channel_id"`
		User      presence.Profile `json:"user"`
		IsTyping  bool             `json:"is_typing"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &typing))
	assert.Equal(t, "U1", typing.User.ID)
	assert.True(t, typing.IsTyping)
}

func TestHeartbeat_AckAndRecord(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})
	ctx := context.Background()

	client, _ := connect(t, env, "U1", "alice")
	before := time.Now().UnixMilli()
	sendFrame(t, client, EventHeartbeat, struct{}{})
	waitFrame(t, client, EventHeartbeatAck)

	ts, err := env.idx.GetHeartbeat(ctx, "U1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
}

func TestEnterWorkspace_PresenceEventOnFirstConn(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})
	ctx := context.Background()

	events := make(chan broker.PresenceChangedMessage, 4)
	env.adapter.OnPresenceChanged(func(msg broker.PresenceChangedMessage) { events <- msg })

	tab1, _ := connect(t, env, "U1", "alice")
	sendFrame(t, tab1, EventEnterWorkspace, WorkspacePayload{WorkspaceID: "W1"})

	select {
	case msg := <-events:
		assert.Equal(t, "U1", msg.UserID)
		assert.True(t, msg.Online)
		assert.Equal(t, "W1", msg.WorkspaceID)
	case <-time.After(2 * time.Second):
		t.Fatal("online event not published")
	}

	// 第二个标签页进入同一工作区不重复产生上线事件
	tab2, _ := connect(t, env, "U1", "alice")
	sendFrame(t, tab2, EventEnterWorkspace, WorkspacePayload{WorkspaceID: "W1"})
	require.Eventually(t, func() bool {
		n, err := env.idx.CountUserConnectionsInWorkspace(ctx, "U1", "W1")
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case msg := <-events:
		t.Fatalf("unexpected presence event: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}

	users, err := env.idx.ListWorkspaceUsers(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, users)
}

func TestDisconnect_CleansUpAndPublishesOffline(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})
	ctx := context.Background()

	events := make(chan broker.PresenceChangedMessage, 4)
	env.adapter.OnPresenceChanged(func(msg broker.PresenceChangedMessage) { events <- msg })

	client, _ := connect(t, env, "U1", "alice")
	sendFrame(t, client, EventEnterWorkspace, WorkspacePayload{WorkspaceID: "W1"})
	sendFrame(t, client, EventJoinChannel, ChannelPayload{ChannelID: "C1"})
	require.Eventually(t, func() bool {
		return env.h.RoomSize(hub.ChannelRoom("C1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	<-events // 上线事件

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		online, err := env.idx.IsOnline(ctx, "U1")
		return err == nil && !online
	}, 3*time.Second, 20*time.Millisecond)

	members, err := env.idx.ListChannelMembers(ctx, "C1")
	require.NoError(t, err)
	assert.Empty(t, members)

	users, err := env.idx.ListWorkspaceUsers(ctx, "W1")
	require.NoError(t, err)
	assert.Empty(t, users)

	select {
	case msg := <-events:
		assert.False(t, msg.Online)
		assert.Equal(t, "W1", msg.WorkspaceID)
	case <-time.After(2 * time.Second):
		t.Fatal("offline event not published")
	}
}

func TestMalformedFrame_KeepsConnectionAlive(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})

	client, _ := connect(t, env, "U1", "alice")
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := waitFrame(t, client, EventError)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &errp))
	assert.Equal(t, ErrCodeBadPayload, errp.Code)

	// 连接仍可用
	sendFrame(t, client, EventHeartbeat, struct{}{})
	waitFrame(t, client, EventHeartbeatAck)
}

func TestUnknownEvent(t *testing.T) {
	env := setupGateway(t, authz.AllowAll{})

	client, _ := connect(t, env, "U1", "alice")
	sendFrame(t, client, "no_such_event", struct{}{})

	frame := waitFrame(t, client, EventError)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &errp))
	assert.Equal(t, ErrCodeUnknownEvent, errp.Code)
}
