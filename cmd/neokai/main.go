package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lsm/neokai/configs"
	"github.com/lsm/neokai/internal/protocol"
	"github.com/lsm/neokai/server"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "应用程序配置文件路径")
	appAddr    = flag.String("addr", "", "覆盖配置文件中的监听地址")
)

func main() {
	flag.Parse()

	config, err := configs.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *appAddr != "" {
		config.Server.Addr = *appAddr
	}

	srv, err := server.NewServer(&server.Options{
		Address:  config.Server.Addr,
		Hub:      &config.Hub,
		WS:       &config.WS,
		LogLevel: config.Log.Level,
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// 示例请求处理器，客户端可用来验证链路连通
	if _, err := srv.Hub().OnRequest("system.echo", func(ctx context.Context, env *protocol.Envelope) (any, error) {
		return map[string]any{"echo": string(env.Data)}, nil
	}); err != nil {
		slog.Error("failed to register handler", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	slog.Info("neokai server started", "addr", config.Server.Addr, "version", config.Version)

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
