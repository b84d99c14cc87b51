package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	corelog "collab-core/internal/core/log"
)

// PostgresConfig 平台数据库连接配置
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxConns     int32         `yaml:"max_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// PostgresChecker 基于平台数据库的成员资格校验器
// 查询成员关系表，不缓存结果，成员变更即时生效
type PostgresChecker struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresChecker 创建校验器并验证连接
func NewPostgresChecker(ctx context.Context, config *PostgresConfig) (*PostgresChecker, error) {
	if config == nil || config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if config.MaxConns > 0 {
		poolCfg.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	queryTimeout := config.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}

	corelog.Infof("authz: postgres checker connected")
	return &PostgresChecker{pool: pool, queryTimeout: queryTimeout}, nil
}

func (c *PostgresChecker) CanJoinChannel(ctx context.Context, userID, channelID string) (bool, error) {
	return c.exists(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID)
}

func (c *PostgresChecker) CanEnterWorkspace(ctx context.Context, userID, workspaceID string) (bool, error) {
	return c.exists(ctx,
		`SELECT EXISTS(SELECT 1 FROM workspace_members WHERE workspace_id = $1 AND user_id = $2)`,
		workspaceID, userID)
}

func (c *PostgresChecker) exists(ctx context.Context, query string, args ...any) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var ok bool
	if err := c.pool.QueryRow(queryCtx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("membership query: %w", err)
	}
	return ok, nil
}

// Close 释放连接池
func (c *PostgresChecker) Close() {
	c.pool.Close()
}

var _ Checker = (*PostgresChecker)(nil)
