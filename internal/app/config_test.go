package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
node_id: node-1
log:
  level: debug
  format: text
store:
  mode: redis
  key_prefix: "presence:"
  redis:
    addr: "127.0.0.1:6379"
    pool_size: 20
presence:
  ttl: 1h
  heartbeat_ttl: 2m
cluster:
  enabled: true
  redis:
    addr: "127.0.0.1:6379"
gateway:
  secret: super-secret
  message_rate: 20
  message_burst: 40
api:
  addr: ":9090"
authz:
  mode: allow_all
liveness:
  interval: 30s
  stale_after: 90s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, StoreModeRedis, cfg.Store.Mode)
	assert.Equal(t, "127.0.0.1:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Presence.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Presence.HeartbeatTTL)
	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, "super-secret", cfg.Gateway.Secret)
	assert.Equal(t, float64(20), cfg.Gateway.MessageRate)
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, 90*time.Second, cfg.Liveness.StaleAfter)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("COLLAB_NODE_ID", "node-env")
	t.Setenv("COLLAB_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("COLLAB_GATEWAY_SECRET", "env-secret")
	t.Setenv("COLLAB_CLUSTER_ENABLED", "false")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "node-env", cfg.NodeID)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "redis.internal:6379", cfg.Cluster.Redis.Addr)
	assert.Equal(t, "env-secret", cfg.Gateway.Secret)
	assert.False(t, cfg.Cluster.Enabled)
}

func TestValidate_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.Gateway.Secret = "s"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StoreModeEmbedded, cfg.Store.Mode)
	assert.Equal(t, "presence:", cfg.Store.KeyPrefix)
	assert.Equal(t, AuthzModeAllowAll, cfg.Authz.Mode)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestValidate_Errors(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate()) // 缺密钥

	cfg = &Config{}
	cfg.Gateway.Secret = "s"
	cfg.Store.Mode = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.Gateway.Secret = "s"
	cfg.Authz.Mode = AuthzModePostgres
	assert.Error(t, cfg.Validate()) // postgres 模式缺 dsn
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}
