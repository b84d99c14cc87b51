// Package api 对平台内部服务暴露在线状态查询接口
// 读路径带短 TTL 快照缓存，热点频道的成员列表查询不放大存储压力
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"collab-core/internal/core/dispose"
	corelog "collab-core/internal/core/log"
	"collab-core/internal/core/store"
	"collab-core/internal/fanout"
	"collab-core/internal/gateway"
	"collab-core/internal/hub"
	"collab-core/internal/presence"
)

const (
	// 快照缓存条目上限
	cacheSize = 1024

	// 快照缓存 TTL，在线成员列表容忍秒级陈旧
	cacheTTL = 2 * time.Second
)

// Options HTTP API 配置
type Options struct {
	// Addr 监听地址
	Addr string `yaml:"addr"`
	// ReadTimeout 请求读超时
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout 响应写超时
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Server 在线状态查询服务
type Server struct {
	*dispose.ServiceBase

	idx     *presence.Index
	h       *hub.Hub
	adapter *fanout.Adapter
	backend store.Backend
	auth    *gateway.TokenVerifier

	memberCache *expirable.LRU[string, []presence.Profile]
	router      *mux.Router
	httpServer  *http.Server
}

// NewServer 创建 API 服务
func NewServer(parentCtx context.Context, idx *presence.Index, h *hub.Hub,
	adapter *fanout.Adapter, backend store.Backend, auth *gateway.TokenVerifier, opts Options) *Server {

	s := &Server{
		ServiceBase: dispose.NewService("APIServer", parentCtx),
		idx:         idx,
		h:           h,
		adapter:     adapter,
		backend:     backend,
		auth:        auth,
		memberCache: expirable.NewLRU[string, []presence.Profile](cacheSize, nil, cacheTTL),
	}

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	s.AddCleanHandler(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return s
}

// Router 当前路由，可追加注册（如 WebSocket 接入端点）
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handle 注册附加路由
func (s *Server) Handle(path string, handler http.HandlerFunc) {
	s.router.HandleFunc(path, handler)
}

// buildRouter 构建路由，健康检查不鉴权，业务接口走 Bearer 令牌
func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	p := r.PathPrefix("/api/presence").Subrouter()
	p.Use(s.authMiddleware)
	p.HandleFunc("/users/{id}", s.handleUserPresence).Methods(http.MethodGet)
	p.HandleFunc("/channels/{id}/members", s.handleChannelMembers).Methods(http.MethodGet)
	p.HandleFunc("/channels/{id}/members/{uid}/online", s.handleMemberOnline).Methods(http.MethodGet)
	p.HandleFunc("/workspaces/{id}/users", s.handleWorkspaceUsers).Methods(http.MethodGet)
	p.HandleFunc("/workspaces/{id}/users/{uid}/sessions", s.handleUserSessions).Methods(http.MethodGet)
	p.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

// ListenAndServe 阻塞运行直到关闭
func (s *Server) ListenAndServe() error {
	corelog.Infof("api: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.auth.Verify(auth[len(prefix):]); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	storeOK := s.backend.Ping(r.Context()) == nil
	status := "ok"
	code := http.StatusOK
	if !storeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"node_id":     s.adapter.NodeID(),
		"fanout":      s.adapter.State().String(),
		"store":       storeOK,
		"local_conns": s.h.Len(),
	})
}

func (s *Server) handleUserPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	ctx := r.Context()

	conns, err := s.idx.ListConnections(ctx, userID)
	if stale, failed := s.classify(w, err); failed {
		return
	} else if stale {
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID, "online": false, "connections": 0, "stale": true,
		})
		return
	}

	resp := map[string]any{
		"user_id":     userID,
		"online":      len(conns) > 0,
		"connections": len(conns),
	}
	if ts, err := s.idx.GetHeartbeat(ctx, userID); err == nil {
		resp["last_heartbeat_ms"] = ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChannelMembers(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]

	if members, ok := s.memberCache.Get(channelID); ok {
		writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "members": members, "cached": true})
		return
	}

	members, err := s.idx.ListChannelMembers(r.Context(), channelID)
	if stale, failed := s.classify(w, err); failed {
		return
	} else if stale {
		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id": channelID, "members": []presence.Profile{}, "stale": true,
		})
		return
	}
	s.memberCache.Add(channelID, members)
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "members": members})
}

func (s *Server) handleMemberOnline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channelID, userID := vars["id"], vars["uid"]

	online, err := s.idx.IsChannelMemberOnline(r.Context(), channelID, userID)
	if stale, failed := s.classify(w, err); failed {
		return
	} else if stale {
		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id": channelID, "user_id": userID, "online": false, "stale": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID, "user_id": userID, "online": online,
	})
}

func (s *Server) handleWorkspaceUsers(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]

	users, err := s.idx.ListWorkspaceUsers(r.Context(), workspaceID)
	if stale, failed := s.classify(w, err); failed {
		return
	} else if stale {
		writeJSON(w, http.StatusOK, map[string]any{
			"workspace_id": workspaceID, "users": []string{}, "stale": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace_id": workspaceID, "users": users})
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workspaceID, userID := vars["id"], vars["uid"]

	n, err := s.idx.CountUserConnectionsInWorkspace(r.Context(), userID, workspaceID)
	if stale, failed := s.classify(w, err); failed {
		return
	} else if stale {
		writeJSON(w, http.StatusOK, map[string]any{
			"workspace_id": workspaceID, "user_id": userID, "sessions": 0, "stale": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": workspaceID, "user_id": userID, "sessions": n,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":     s.adapter.NodeID(),
		"fanout":      s.adapter.State().String(),
		"local_conns": s.h.Len(),
	})
}

// classify 错误分类
// 共享存储不可达时查询降级为空结果加 stale 标记（stale=true），不向下游放大故障；
// 其他错误返回 500（failed=true），调用方直接返回
func (s *Server) classify(w http.ResponseWriter, err error) (stale, failed bool) {
	if err == nil {
		return false, false
	}
	if presence.IsBackendUnavailable(err) {
		corelog.Warnf("api: presence store unavailable, serving stale: %v", err)
		return true, false
	}
	corelog.Errorf("api: presence query failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
	return false, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
