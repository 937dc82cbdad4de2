package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/monitor"
	"github.com/Hara602/duckguard/internal/sentry"
	"github.com/Hara602/duckguard/internal/supervisor"
	"github.com/Hara602/duckguard/internal/sysutil"
	"github.com/Hara602/duckguard/internal/watcher"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := sysutil.InitLogger(cfg.Logging.Level); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer sysutil.Log.Sync()

	// 采集按键和写 authorized 都需要 Root 权限，不是 root 时降级运行
	if !sysutil.IsRoot() {
		sysutil.Log.Warn("⚠️ not running as root, keystroke capture and enforcement will likely fail")
	}

	sysutil.Log.Info("🛡️ DuckGuard Agent Starting...")

	// 初始化核心模块 (依赖注入)
	svc, err := sentry.New(cfg)
	if err != nil {
		sysutil.LogSugar.Fatalf("Sentry init failed: %v", err)
	}
	defer svc.Close()

	loop := monitor.New(watcher.New(), svc, monitor.Options{
		PollInterval:    cfg.Monitor.PollInterval,
		AnalyzeExisting: cfg.Monitor.AnalyzeExisting,
		Hints:           cfg.Monitor.HotplugHints,
	})

	sup := supervisor.New("duckguard", supervisor.Options{})
	sup.Add(loop)
	if cfg.Metrics.Listen != "" {
		sup.Add(supervisor.NewMetricsService(cfg.Metrics.Listen))
	}

	// 捕获操作系统信号，优雅关闭后台服务
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sysutil.Log.Error("supervisor stopped", zap.Error(err))
	}
	sysutil.Log.Info("Shutting down...")
}
