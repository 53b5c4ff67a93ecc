// Package server 对外的HTTP/WebSocket服务器封装
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/neokai/configs"
	"github.com/lsm/neokai/internal/hub"
	"github.com/lsm/neokai/internal/metrics"
	"github.com/lsm/neokai/internal/protocol"
	"github.com/lsm/neokai/internal/transport/ws"
)

// Options 服务器配置选项
type Options struct {
	// HTTP服务器地址，默认 ":8080"
	Address string

	// Hub引擎配置，零值使用默认配置
	Hub *hub.Config

	// WebSocket transport配置，零值使用默认配置
	WS *ws.Config

	// 日志级别: "debug", "info", "warn", "error"，默认 "info"
	LogLevel string

	Upgrader *websocket.Upgrader
}

type Server struct {
	config     *configs.Config
	hub        *hub.MessageHub
	router     *hub.Router
	httpServer *http.Server
	upgrader   *websocket.Upgrader
	customMux  *http.ServeMux // 允许用户添加自定义路由
}

// NewServer 创建一个新的服务器
func NewServer(opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	fillDefaults(opts)
	config := buildConfig(opts)
	setupLogging(config.Log.Level)

	s := &Server{
		config:    config,
		router:    hub.NewRouter(),
		customMux: http.NewServeMux(),
	}
	s.hub = hub.NewMessageHub(config.Hub)
	s.hub.AttachRouter(s.router)

	if opts.Upgrader != nil {
		s.upgrader = opts.Upgrader
	} else {
		s.upgrader = &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		}
	}

	return s, nil
}

// Hub 获取底层消息引擎，用于注册请求处理器和订阅事件
func (s *Server) Hub() *hub.MessageHub {
	return s.hub
}

// Router 获取客户端路由器
func (s *Server) Router() *hub.Router {
	return s.router
}

// Handle 添加自定义HTTP路由
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.customMux.Handle(pattern, handler)
}

// HandleFunc 添加自定义HTTP处理函数
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.customMux.HandleFunc(pattern, handler)
}

// Start 启动服务器
func (s *Server) Start() error {
	slog.Info("Starting neokai server", "address", s.config.Server.Addr)

	// 初始化Prometheus指标
	metrics.Default()

	// 创建主路由
	mainMux := http.NewServeMux()

	// 注册核心路由
	mainMux.HandleFunc("/ws", s.handleWebSocket)
	mainMux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	mainMux.HandleFunc("/health", s.handleHealth)

	// 合并自定义路由
	mainMux.Handle("/", s.customMux)

	s.httpServer = &http.Server{
		Addr:    s.config.Server.Addr,
		Handler: mainMux,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down neokai server...")

	if err := s.hub.Close(); err != nil {
		slog.Error("Failed to close hub", "error", err)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket 处理WebSocket连接：升级后包装成ServerConn，
// 注册进路由器，入站信封交给hub分发。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket", "error", err, "remoteAddr", r.RemoteAddr)
		metrics.RecordError()
		return
	}

	clientID := generateClientID(r)

	onClose := func(id string) {
		s.router.UnregisterConnection(id)
		slog.Info("Client disconnected", "clientID", id)
	}

	client := ws.NewServerConn(clientID, ws.NewGorillaConn(conn), s.config.WS,
		func(env *protocol.Envelope) { s.hub.Dispatch(env) },
		onClose)

	s.router.RegisterConnection(client)

	slog.Info("Client connected", "clientID", clientID, "remoteAddr", r.RemoteAddr)
}

// handleHealth 处理健康检查
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"status":  "ok",
		"version": s.config.Version,
		"clients": s.router.ClientCount(),
		"time":    time.Now().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to write health check response", "error", err)
	}
}

func fillDefaults(opts *Options) {
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "info"
	}
}

func buildConfig(opts *Options) *configs.Config {
	config := configs.NewDefaultConfig()

	config.Server.Addr = opts.Address
	if opts.Hub != nil {
		config.Hub = *opts.Hub
	}
	if opts.WS != nil {
		config.WS = *opts.WS
	}
	config.Log.Level = opts.LogLevel

	return &config
}

func setupLogging(level string) {
	logLevel := configs.ParseLogLevel(level)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func generateClientID(r *http.Request) string {
	// 从查询参数获取
	clientID := r.URL.Query().Get("client_id")
	if clientID != "" {
		return clientID
	}

	// 生成新ID
	return uuid.New().String()
}
