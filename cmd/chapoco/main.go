package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/chapoco/internal/api"
	"github.com/dgnsrekt/chapoco/internal/browser"
	"github.com/dgnsrekt/chapoco/internal/capture"
	"github.com/dgnsrekt/chapoco/internal/cdp"
	"github.com/dgnsrekt/chapoco/internal/config"
	"github.com/dgnsrekt/chapoco/internal/controller"
	"github.com/dgnsrekt/chapoco/internal/credential"
	"github.com/dgnsrekt/chapoco/internal/monitor"
	"github.com/dgnsrekt/chapoco/internal/netutil"
	"github.com/dgnsrekt/chapoco/internal/notify"
	"github.com/dgnsrekt/chapoco/internal/pococha"
	"github.com/dgnsrekt/chapoco/internal/refresher"
	"github.com/dgnsrekt/chapoco/internal/relay"
	"github.com/dgnsrekt/chapoco/internal/schedule"
	"github.com/dgnsrekt/chapoco/internal/storage"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("config loaded",
		"capture_dir", cfg.CaptureDir,
		"archive_dir", cfg.ArchiveDir,
		"journal_dir", cfg.JournalDir,
		"warm_start", cfg.WarmStart,
		"dry_run", cfg.DryRun,
		"converter", cfg.ConverterBinary,
		"api_base_url", cfg.APIBaseURL,
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"cdp_url", cfg.CDPURL,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind status API", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := credential.NewStore(cfg.TokenHeader, cfg.Origin())

	archive, err := storage.NewArchive(cfg.ArchiveDir)
	if err != nil {
		slog.Error("failed to open archive", "error", err)
		os.Exit(1)
	}
	journal := storage.NewJournal(cfg.JournalDir, 256, 25)
	defer func() {
		if err := journal.Close(); err != nil {
			slog.Error("journal close failed", "error", err)
		}
	}()

	broker := relay.NewBroker()
	notifier := buildNotifier(cfg, broker)

	client := pococha.NewClient(cfg.APIBaseURL, nil, store)

	// svc is assigned below; the hooks only fire once the schedules start.
	var svc *controller.Service

	converter := capture.NewConverter(capture.ConverterConfig{
		Binary:      cfg.ConverterBinary,
		InitialWait: cfg.ConverterInitialWait(),
		IdleWait:    cfg.ConverterIdleWait(),
		KillAfter:   cfg.ConverterKillAfter(),
	})
	ref := refresher.New(refresher.Config{
		CaptureDir: cfg.CaptureDir,
		WarmStart:  cfg.WarmStart,
		DryRun:     cfg.DryRun,
		Settle:     cfg.Settle(),
	}, converter, store,
		refresher.WithArchive(archive),
		refresher.WithOnUpdate(func(ctx context.Context, u refresher.Update) { svc.HandleRotation(ctx, u) }),
	)

	lives := monitor.NewLiveMonitor(client, notifier, monitor.LiveConfig{
		ViewURLTemplate: cfg.ViewURLTemplate,
		OnLive:          func(lr pococha.LiveResource) { svc.HandleLive(lr) },
	})
	auth := monitor.NewAuthMonitor(client, notifier, func(authed bool) { svc.HandleAuthChange(authed) })

	svc = controller.NewService(controller.Deps{
		Store:     store,
		Refresher: ref,
		Lives:     lives,
		Auth:      auth,
		Checker:   client,
		Notifier:  notifier,
		Journal:   journal,
		Publisher: broker,
	})

	if cfg.BrowserLaunch {
		launcher := browser.NewLauncher(browser.Config{
			Binary:     cfg.BrowserBinary,
			DebugAddr:  cfg.BrowserDebugAddr,
			StartURL:   cfg.BrowserStartURL,
			ProfileDir: cfg.BrowserProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Warn("browser launch failed", "error", err)
		} else {
			defer launcher.Stop()
		}
	}

	if cfg.CDPURL != "" {
		feed := capture.NewBrowserFeed(store, svc.HandleBrowserRotation)
		browser := cdp.NewClient(cfg.CDPURL, cfg.CDPTabFilter, feed)
		if err := browser.Connect(ctx); err != nil {
			// capture files still work without the browser
			slog.Warn("browser capture feed unavailable", "cdp_url", cfg.CDPURL, "error", err)
		} else {
			slog.Info("browser capture feed attached", "tabs", browser.TabCount())
			defer func() { _ = browser.Close() }()
		}
	}

	var group schedule.Group
	group.Start(ctx, "refresh", cfg.RefreshInterval(), ref.Run)
	group.Start(ctx, "live", cfg.LiveInterval(), lives.Run)
	group.Start(ctx, "auth", cfg.AuthInterval(), auth.Run)

	srv := &http.Server{Handler: api.NewServer(svc, broker)}
	go func() {
		addr := ln.Addr().String()
		slog.Info("status API listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status API failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("status API shutdown failed", "error", err)
	}
	group.Wait()
}

func buildNotifier(cfg *config.Config, broker *relay.Broker) notify.Notifier {
	multi := notify.Multi{relay.Notifier{Broker: broker}}
	if cfg.PushoverEnabled {
		multi = append(multi, &notify.Pushover{AppToken: cfg.PushoverAppToken, UserToken: cfg.PushoverUserToken})
	}
	if cfg.NTFYEndpoint != "" {
		multi = append(multi, &notify.NTFY{Endpoint: cfg.NTFYEndpoint})
	}
	if len(multi) == 1 {
		slog.Warn("no push notifier configured, notifications only reach event stream clients")
	}
	return multi
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
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
