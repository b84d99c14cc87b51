package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"collab-core/internal/api"
	"collab-core/internal/authz"
	corelog "collab-core/internal/core/log"
	"collab-core/internal/core/store"
	"collab-core/internal/core/store/embedded"
	"collab-core/internal/core/store/redisstore"
	"collab-core/internal/fanout"
	"collab-core/internal/gateway"
	"collab-core/internal/hub"
	"collab-core/internal/liveness"
	"collab-core/internal/presence"
)

// Server 装配后的服务实例
type Server struct {
	config *Config
	nodeID string

	ctx    context.Context
	cancel context.CancelFunc

	backend store.Backend
	idx     *presence.Index
	h       *hub.Hub
	adapter *fanout.Adapter
	monitor *liveness.Monitor
	gw      *gateway.Gateway
	apiSrv  *api.Server
	checker authz.Checker
}

// New 按依赖顺序装配全部组件
func New(parentCtx context.Context, config *Config) (*Server, error) {
	if err := corelog.Initialize(&config.Log); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &Server{config: config, nodeID: nodeID, ctx: ctx, cancel: cancel}

	if err := s.build(); err != nil {
		s.Shutdown()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	cfg := s.config

	// 共享存储
	switch cfg.Store.Mode {
	case StoreModeRedis:
		backend, err := redisstore.New(s.ctx, &cfg.Store.Redis, cfg.Store.KeyPrefix)
		if err != nil {
			return fmt.Errorf("connect presence store: %w", err)
		}
		s.backend = backend
	case StoreModeEmbedded:
		backend, err := embedded.NewBackend(cfg.Store.KeyPrefix)
		if err != nil {
			return fmt.Errorf("start embedded store: %w", err)
		}
		s.backend = backend
		corelog.Infof("app: using embedded store, presence state is local to this node")
	}

	s.idx = presence.NewIndex(s.backend, presence.Options{
		TTL:          cfg.Presence.TTL,
		HeartbeatTTL: cfg.Presence.HeartbeatTTL,
	})

	// 本地连接注册表与跨节点扇出
	s.h = hub.NewHub(s.ctx)
	s.adapter = fanout.NewAdapter(s.ctx, s.h, s.nodeID)
	if cfg.Cluster.Enabled {
		if !s.adapter.TryAttach(&cfg.Cluster.Redis) {
			corelog.Warnf("app: cluster fanout unavailable, running single-node")
		}
	}

	// 成员资格校验
	switch cfg.Authz.Mode {
	case AuthzModePostgres:
		checker, err := authz.NewPostgresChecker(s.ctx, &cfg.Authz.Postgres)
		if err != nil {
			return fmt.Errorf("connect authz database: %w", err)
		}
		s.checker = checker
	default:
		s.checker = authz.AllowAll{}
	}

	// 接入网关与查询 API 共用监听端口
	verifier := gateway.NewTokenVerifier(cfg.Gateway.Secret)
	s.gw = gateway.NewGateway(s.ctx, s.h, s.idx, s.adapter, s.checker, verifier, cfg.Gateway.Options)
	s.apiSrv = api.NewServer(s.ctx, s.idx, s.h, s.adapter, s.backend, verifier, cfg.API)
	s.apiSrv.Handle("/ws", s.gw.HandleWS)

	s.monitor = liveness.NewMonitor(s.ctx, s.idx, s.adapter, cfg.Liveness)
	return nil
}

// NodeID 节点标识
func (s *Server) NodeID() string {
	return s.nodeID
}

// Run 启动服务并阻塞直到收到退出信号
func (s *Server) Run() error {
	s.monitor.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.apiSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		corelog.Infof("app: received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			corelog.Errorf("app: listener failed: %v", err)
			s.Shutdown()
			return err
		}
	}

	s.Shutdown()
	return nil
}

// Shutdown 逆依赖顺序关停组件（幂等）
func (s *Server) Shutdown() {
	if s.monitor != nil {
		_ = s.monitor.Close()
	}
	if s.apiSrv != nil {
		_ = s.apiSrv.Close()
	}
	if s.gw != nil {
		_ = s.gw.Close()
	}
	if s.adapter != nil {
		_ = s.adapter.Close()
	}
	if s.h != nil {
		_ = s.h.Close()
	}
	if pg, ok := s.checker.(*authz.PostgresChecker); ok {
		pg.Close()
	}
	if s.backend != nil {
		_ = s.backend.Close()
	}
	s.cancel()
}
