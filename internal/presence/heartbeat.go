package presence

import (
	"context"
	"strconv"
	"strings"

	"collab-core/internal/core/store"
)

// RecordHeartbeat 记录用户心跳（毫秒时间戳）
// 心跳键使用独立的短 TTL，自动过期即视为静默断连的信号
func (idx *Index) RecordHeartbeat(ctx context.Context, userID string, timestampMillis int64) error {
	return idx.backend.SetWithTTL(ctx, heartbeatKey(userID),
		strconv.FormatInt(timestampMillis, 10), idx.heartbeatTTL)
}

// GetHeartbeat 获取用户最近心跳时间戳，无记录返回 ErrNotFound
func (idx *Index) GetHeartbeat(ctx context.Context, userID string) (int64, error) {
	raw, err := idx.backend.Get(ctx, heartbeatKey(userID))
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, store.ErrNotFound
	}
	return ts, nil
}

// ListAllHeartbeats 全量扫描当前存活的心跳记录
// 键空间受在线用户数约束，供周期巡检使用
func (idx *Index) ListAllHeartbeats(ctx context.Context) (map[string]int64, error) {
	keys, err := idx.backend.ScanKeys(ctx, heartbeatKeyPrefix)
	if err != nil {
		return nil, err
	}

	result := make(map[string]int64, len(keys))
	for _, key := range keys {
		userID := strings.TrimPrefix(key, heartbeatKeyPrefix)
		raw, err := idx.backend.Get(ctx, key)
		if err != nil {
			// 扫描与读取之间过期的键跳过
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		result[userID] = ts
	}
	return result, nil
}
