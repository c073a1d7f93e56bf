package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pixivbot/internal/bot"
	"pixivbot/internal/cache"
	"pixivbot/internal/config"
	"pixivbot/internal/downloader"
	"pixivbot/internal/fsm"
	"pixivbot/internal/notifier"
	"pixivbot/internal/scheduler"
	"pixivbot/internal/source"
	"pixivbot/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))
	slog.Info("starting", "config", cfg.String())

	dsn := strings.TrimPrefix(cfg.Database.URL, "sqlite:")
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			slog.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	repo, err := storage.NewSQLite(dsn)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	if err := os.MkdirAll(cfg.Scheduler.CacheDir, 0o750); err != nil {
		slog.Error("create cache directory", "path", cfg.Scheduler.CacheDir, "error", err)
		os.Exit(1)
	}
	imgCache := cache.New(cfg.Scheduler.CacheDir)

	client := source.New(http.DefaultClient, cfg.Pixiv.RefreshToken,
		time.Duration(cfg.Scheduler.MinIntervalMs)*time.Millisecond,
		time.Duration(cfg.Scheduler.MaxIntervalMs)*time.Millisecond)

	api, err := bot.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		slog.Error("create bot api", "error", err)
		os.Exit(1)
	}

	n := notifier.New(api)
	d := downloader.New(imgCache, client)
	f := fsm.New(d, n, cfg.Scheduler.MaxRetryCount)

	b, err := bot.New(api, repo, client, d, n, cfg)
	if err != nil {
		slog.Error("create bot", "error", err)
		os.Exit(1)
	}

	authorEngine := scheduler.NewAuthorEngine(repo, client, f)
	rankingEngine := scheduler.NewRankingEngine(repo, client, f, cfg.Content.RankingTopN)
	nameUpdateEngine := scheduler.NewNameUpdateEngine(repo, client)

	sched := scheduler.New(repo, authorEngine, rankingEngine, scheduler.Config{
		TickInterval:       time.Duration(cfg.Scheduler.TickIntervalSec) * time.Second,
		MinTaskInterval:    time.Duration(cfg.Scheduler.MinTaskIntervalSec) * time.Second,
		MaxTaskInterval:    time.Duration(cfg.Scheduler.MaxTaskIntervalSec) * time.Second,
		NameUpdateInterval: time.Duration(cfg.Scheduler.AuthorNameUpdateIntervalHr) * time.Hour,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	retention := time.Duration(cfg.Scheduler.CacheRetentionDays) * 24 * time.Hour
	go imgCache.RunGCForever(ctx, retention)
	go sched.Run(ctx, nameUpdateEngine)

	slog.Info("bot running")
	b.Run(ctx)
	slog.Info("bot stopped")
}
