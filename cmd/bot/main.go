package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/bili2mp4/bili2mp4/internal/alerts"
	"github.com/bili2mp4/bili2mp4/internal/bot"
	"github.com/bili2mp4/bili2mp4/internal/chat"
	"github.com/bili2mp4/bili2mp4/internal/config"
	"github.com/bili2mp4/bili2mp4/internal/extract"
	"github.com/bili2mp4/bili2mp4/internal/middleware"
	"github.com/bili2mp4/bili2mp4/internal/routes"
	"github.com/bili2mp4/bili2mp4/internal/server"
	"github.com/bili2mp4/bili2mp4/internal/services"
	"github.com/bili2mp4/bili2mp4/internal/state"
	"github.com/bili2mp4/bili2mp4/internal/util"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("bot exited")
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.PrintBanner(cfg.Chat.Backend)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := state.Open(ctx, store, logger.With().Str("component", "state").Logger())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}

	notifier := alerts.New(alerts.Config{
		WebhookURL: cfg.Alerts.WebhookURL,
		PingUserID: cfg.Alerts.PingUserID,
		Version:    config.Version,
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		notifier.Flush(flushCtx)
	}()

	report := util.CheckDependencies(ctx, cfg.Download.YtdlpPath, cfg.Download.FFmpegDir, cfg.Download.ToolTimeout())
	report.Log(logger)
	if !report.YtDlp.Available() {
		notifier.DependencyMissing(fmt.Sprintf("yt-dlp unavailable: %s", report.YtDlp.Error))
	}

	downloadDir := cfg.Storage.DownloadDir()
	util.CleanupStale(downloadDir, config.FileRetention, logger)
	go cleanupLoop(ctx, downloadDir, logger)

	resolver := extract.NewResolver(nil, cfg.Download.ResolveTimeout, logger)
	runner := &services.YtdlpRunner{
		Path:   cfg.Download.YtdlpPath,
		Logger: logger.With().Str("component", "ytdlp").Logger(),
	}
	downloader := services.NewDownloader(runner, resolver, services.Options{
		CookieFile: cfg.Storage.CookieFile(),
		FFmpeg:     report.Location,
		Proxy:      cfg.Download.Proxy,
		Remux:      cfg.Download.Remux,
	}, logger)

	client, err := newChatClient(cfg.Chat, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	b := bot.New(client, st, downloader, bot.Config{
		SuperAdmins: cfg.SuperAdmins,
		DownloadDir: downloadDir,
		Notifier:    notifier,
	}, logger)

	var srv *http.Server
	if cfg.Status.Addr != "" {
		limiter := middleware.NewRateLimiter(config.StatusRateLimitMax, config.StatusRateLimitWindow)
		limiter.StartSweeper(ctx.Done())
		srv = server.New(server.Options{
			Addr:        cfg.Status.Addr,
			CORSOrigins: cfg.Status.CORSOrigins,
			RateLimiter: limiter,
			Status: &routes.Status{
				Version:      config.Version,
				Settings:     st,
				Work:         b,
				Dependencies: report,
				DownloadDir:  downloadDir,
				Token:        cfg.Status.Token,
			},
		}, logger)
		go func() {
			logger.Info().Str("addr", cfg.Status.Addr).Msg("status API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("status API stopped")
			}
		}()
	}

	logger.Info().
		Str("backend", cfg.Chat.Backend).
		Int("groups", len(st.Groups())).
		Int("admins", len(cfg.SuperAdmins)).
		Msg("bili2mp4 started")
	notifier.BotStarted(cfg.Chat.Backend, len(st.Groups()))

	runErr := b.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("chat client stopped")
	}

	logger.Info().Int("in_flight", b.InFlight()).Msg("shutting down")
	notifier.BotStopping()
	if !b.Stop(config.ShutdownGracePeriod) {
		logger.Warn().Msg("in-flight downloads did not finish in time, cancelled")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}

	if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return runErr
}

func openStore(ctx context.Context, cfg config.StorageConfig) (state.Store, error) {
	path := cfg.StatePath()
	if cfg.Backend == "sqlite" {
		s, err := state.OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite state %s: %w", path, err)
		}
		return s, nil
	}
	return state.NewJSONStore(path), nil
}

func newChatClient(cfg config.ChatConfig, logger zerolog.Logger) (chat.Client, error) {
	switch cfg.Backend {
	case "discord":
		c, err := chat.NewDiscordClient(cfg.DiscordToken, logger)
		if err != nil {
			return nil, fmt.Errorf("create discord client: %w", err)
		}
		return c, nil
	default:
		return chat.NewOneBotClient(chat.OneBotConfig{
			URL:         cfg.OneBotURL,
			AccessToken: cfg.OneBotToken,
		}, logger), nil
	}
}

func cleanupLoop(ctx context.Context, dir string, logger zerolog.Logger) {
	ticker := time.NewTicker(config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			util.CleanupStale(dir, config.FileRetention, logger)
		case <-ctx.Done():
			return
		}
	}
}
