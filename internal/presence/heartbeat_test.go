package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-core/internal/core/store"
)

func TestHeartbeat_RecordAndGet(t *testing.T) {
	_, idx := setupIndex(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, idx.RecordHeartbeat(ctx, "U1", now))

	ts, err := idx.GetHeartbeat(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, now, ts)

	_, err = idx.GetHeartbeat(ctx, "U2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHeartbeat_ShortTTLExpiry(t *testing.T) {
	backend, idx := setupIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.RecordHeartbeat(ctx, "U1", time.Now().UnixMilli()))
	require.NoError(t, idx.RegisterConnection(ctx, "U1", "s1"))

	// 心跳 TTL（2 分钟）远短于通用 TTL（1 小时）
	backend.Embedded().FastForward(3 * time.Minute)

	_, err := idx.GetHeartbeat(ctx, "U1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// 连接派生状态还未过期
	online, err := idx.IsOnline(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestHeartbeat_RefreshExtendsTTL(t *testing.T) {
	backend, idx := setupIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.RecordHeartbeat(ctx, "U1", time.Now().UnixMilli()))
	backend.Embedded().FastForward(90 * time.Second)

	// 再次记录心跳重置 TTL
	require.NoError(t, idx.RecordHeartbeat(ctx, "U1", time.Now().UnixMilli()))
	backend.Embedded().FastForward(90 * time.Second)

	_, err := idx.GetHeartbeat(ctx, "U1")
	assert.NoError(t, err)
}

func TestListAllHeartbeats(t *testing.T) {
	backend, idx := setupIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.RecordHeartbeat(ctx, "U1", 1000))
	require.NoError(t, idx.RecordHeartbeat(ctx, "U2", 2000))
	require.NoError(t, idx.RecordHeartbeat(ctx, "U3", 3000))

	all, err := idx.ListAllHeartbeats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"U1": 1000, "U2": 2000, "U3": 3000}, all)

	// 过期的心跳不出现在扫描结果中
	backend.Embedded().FastForward(3 * time.Minute)

	all, err = idx.ListAllHeartbeats(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
