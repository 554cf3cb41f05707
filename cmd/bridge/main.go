package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/target"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/cgsuite/research-bridge/internal/agent"
	"github.com/cgsuite/research-bridge/internal/api"
	"github.com/cgsuite/research-bridge/internal/bridge"
	"github.com/cgsuite/research-bridge/internal/browser"
	"github.com/cgsuite/research-bridge/internal/cdp"
	"github.com/cgsuite/research-bridge/internal/config"
	"github.com/cgsuite/research-bridge/internal/controller"
	"github.com/cgsuite/research-bridge/internal/coordinator"
	"github.com/cgsuite/research-bridge/internal/correlate"
	"github.com/cgsuite/research-bridge/internal/history"
	"github.com/cgsuite/research-bridge/internal/netutil"
	"github.com/cgsuite/research-bridge/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("bridge config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, nil, false)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.ProfileDir,
			LogFileDir: cfg.LogFileDir,
			WindowSize: cfg.WindowSize,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	// The manager's event callbacks re-enter the coordinator, which is built
	// after the manager; the indirection below closes the cycle.
	var coord *coordinator.Coordinator
	events := cdp.Events{
		OnPageLoad: func(id target.ID) {
			coord.OnPageLoad(context.Background(), id)
		},
		OnConfirm: func(id target.ID, payload string) {
			coord.OnConfirm(context.Background(), id, payload)
		},
		OnTabClosed: func(id target.ID) {
			coord.OnTabClosed(id)
		},
	}

	mgr := cdp.NewManager(cfg.CDPURL(), time.Duration(cfg.EvalTimeoutMS)*time.Millisecond, events)
	if err := mgr.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Debug("cdp manager close failed", "error", err)
		}
	}()

	adapters := adapter.NewRegistry()
	sessions := agent.NewRegistry(agent.NewDriver(mgr), adapters)
	store := correlate.NewStore()
	coord = coordinator.New(mgr, sessions, store, map[adapter.Competitor]string{
		adapter.CompetitorEBay:           cfg.EBayURL,
		adapter.CompetitorCashConverters: cfg.CashConvertersURL,
	})

	hist := history.NewLog(cfg.HistoryDir, 256, cfg.HistoryMaxSizeMB)
	defer func() {
		if err := hist.Close(); err != nil {
			slog.Debug("history log close failed", "error", err)
		}
	}()
	coord.SetRecorder(hist)

	if cfg.NotifyEndpoint != "" {
		coord.SetNotifier(notify.New(cfg.NotifyEndpoint, nil))
	}

	ws := bridge.NewServer(coord)
	defer ws.Close()

	svc := controller.NewService(coord, mgr, adapters, ws)
	h := api.NewServer(svc, ws)

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("bridge listening",
			"addr", bindAddr,
			"docs", "http://"+bindAddr+"/docs",
			"bridge_ws", "ws://"+bindAddr+"/bridge",
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("bridge shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
