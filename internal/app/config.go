// Package app 负责配置装载与服务装配
package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"collab-core/internal/api"
	"collab-core/internal/authz"
	"collab-core/internal/broker"
	corelog "collab-core/internal/core/log"
	"collab-core/internal/core/store/redisstore"
	"collab-core/internal/gateway"
	"collab-core/internal/liveness"
)

// 存储与鉴权模式
const (
	StoreModeRedis    = "redis"
	StoreModeEmbedded = "embedded"

	AuthzModeAllowAll = "allow_all"
	AuthzModePostgres = "postgres"
)

// Config 服务配置
type Config struct {
	// NodeID 节点标识，留空自动生成
	NodeID string `yaml:"node_id"`

	Log corelog.Config `yaml:"log"`

	Store struct {
		// Mode redis 或 embedded（单机内嵌，无外部依赖）
		Mode      string            `yaml:"mode"`
		KeyPrefix string            `yaml:"key_prefix"`
		Redis     redisstore.Config `yaml:"redis"`
	} `yaml:"store"`

	Presence struct {
		TTL          time.Duration `yaml:"ttl"`
		HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
	} `yaml:"presence"`

	Cluster struct {
		// Enabled 为真时尝试挂接跨节点扇出，失败降级单节点
		Enabled bool                     `yaml:"enabled"`
		Redis   broker.RedisBrokerConfig `yaml:"redis"`
	} `yaml:"cluster"`

	Gateway struct {
		// Secret 接入令牌的 HMAC 密钥
		Secret          string `yaml:"secret"`
		gateway.Options `yaml:",inline"`
	} `yaml:"gateway"`

	API api.Options `yaml:"api"`

	Authz struct {
		Mode     string               `yaml:"mode"`
		Postgres authz.PostgresConfig `yaml:"postgres"`
	} `yaml:"authz"`

	Liveness liveness.Options `yaml:"liveness"`
}

// LoadConfig 从 YAML 文件加载配置并套用环境变量覆盖
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides 环境变量覆盖，容器部署无需改动配置文件
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COLLAB_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("COLLAB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("COLLAB_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
		c.Cluster.Redis.Addr = v
	}
	if v := os.Getenv("COLLAB_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
		c.Cluster.Redis.Password = v
	}
	if v := os.Getenv("COLLAB_GATEWAY_SECRET"); v != "" {
		c.Gateway.Secret = v
	}
	if v := os.Getenv("COLLAB_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("COLLAB_POSTGRES_DSN"); v != "" {
		c.Authz.Postgres.DSN = v
	}
	if v := os.Getenv("COLLAB_CLUSTER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Cluster.Enabled = enabled
		}
	}
}

// Validate 校验配置并填充默认值
func (c *Config) Validate() error {
	if c.Store.Mode == "" {
		c.Store.Mode = StoreModeEmbedded
	}
	if c.Store.Mode != StoreModeRedis && c.Store.Mode != StoreModeEmbedded {
		return fmt.Errorf("unknown store mode: %s", c.Store.Mode)
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "presence:"
	}
	if c.Authz.Mode == "" {
		c.Authz.Mode = AuthzModeAllowAll
	}
	if c.Authz.Mode != AuthzModeAllowAll && c.Authz.Mode != AuthzModePostgres {
		return fmt.Errorf("unknown authz mode: %s", c.Authz.Mode)
	}
	if c.Authz.Mode == AuthzModePostgres && c.Authz.Postgres.DSN == "" {
		return fmt.Errorf("authz mode postgres requires a dsn")
	}
	if c.Gateway.Secret == "" {
		return fmt.Errorf("gateway secret is required")
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	return nil
}
