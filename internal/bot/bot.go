// Package bot wires chat events to the conversion workflow: group messages
// with bilibili links trigger a download and upload, and super admins
// manage settings over private messages.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bili2mp4/bili2mp4/internal/chat"
	"github.com/bili2mp4/bili2mp4/internal/extract"
	"github.com/bili2mp4/bili2mp4/internal/services"
	"github.com/bili2mp4/bili2mp4/internal/state"
	"github.com/bili2mp4/bili2mp4/internal/util"
)

type Downloader interface {
	Download(ctx context.Context, req services.Request) (*services.Result, error)
}

// Notifier receives conversion failures for the operator.
type Notifier interface {
	ConversionFailed(groupID int64, url, reason string)
}

type Config struct {
	SuperAdmins []int64
	DownloadDir string
	Notifier    Notifier
}

type Bot struct {
	client     chat.Client
	state      *state.PluginState
	downloader Downloader
	notifier   Notifier

	admins      map[int64]bool
	downloadDir string
	guard       *Guard
	logger      zerolog.Logger

	wg         sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc
}

func New(client chat.Client, st *state.PluginState, dl Downloader, cfg Config, logger zerolog.Logger) *Bot {
	admins := make(map[int64]bool, len(cfg.SuperAdmins))
	for _, id := range cfg.SuperAdmins {
		admins[id] = true
	}
	workCtx, cancel := context.WithCancel(context.Background())

	return &Bot{
		client:      client,
		state:       st,
		downloader:  dl,
		notifier:    cfg.Notifier,
		admins:      admins,
		downloadDir: cfg.DownloadDir,
		guard:       NewGuard(),
		logger:      logger.With().Str("component", "bot").Logger(),
		workCtx:     workCtx,
		cancelWork:  cancel,
	}
}

// Run dispatches chat events until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	return b.client.Run(ctx, b.handleMessage)
}

// Stop waits up to timeout for in-flight conversions, then cancels the rest.
// It reports whether everything finished in time.
func (b *Bot) Stop(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancelWork()
		return true
	case <-time.After(timeout):
		b.logger.Warn().Int("in_flight", b.guard.Len()).Msg("shutdown timeout, cancelling conversions")
		b.cancelWork()
		return false
	}
}

// InFlight is the number of conversions currently running.
func (b *Bot) InFlight() int {
	return b.guard.Len()
}

func (b *Bot) handleMessage(ctx context.Context, msg *chat.Message) {
	switch msg.Kind {
	case chat.KindGroup:
		b.handleGroupMessage(msg)
	case chat.KindPrivate:
		b.handlePrivateMessage(ctx, msg)
	}
}

func (b *Bot) handleGroupMessage(msg *chat.Message) {
	if !b.state.IsEnabled(msg.GroupID) {
		return
	}

	urls := extract.FromMessage(msg)
	if len(urls) == 0 {
		b.logger.Debug().Int64("group", msg.GroupID).Msg("no bilibili link in message")
		return
	}
	url := urls[0]

	key := fmt.Sprintf("%d|%s", msg.GroupID, url)
	if !b.guard.TryAcquire(key) {
		b.logger.Debug().Str("key", key).Msg("already processing, ignoring duplicate")
		return
	}
	b.logger.Info().Int64("group", msg.GroupID).Str("url", url).Msg("bilibili link detected")

	limits := b.state.Limits()
	b.wg.Add(1)
	go b.processLink(msg.GroupID, url, key, limits)
}

func (b *Bot) processLink(groupID int64, url, key string, limits state.Limits) {
	defer b.wg.Done()
	defer b.guard.Release(key)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("key", key).Msg("conversion panicked")
		}
	}()

	res, err := b.downloader.Download(b.workCtx, services.Request{
		URL:           url,
		Cookie:        limits.Cookie,
		OutputDir:     b.downloadDir,
		MaxHeight:     limits.MaxHeight,
		MaxFileSizeMB: limits.MaxFileSizeMB,
	})
	if err != nil {
		reason := util.SummarizeFailure(err)
		b.logger.Warn().Err(err).Int64("group", groupID).Str("url", url).Str("reason", reason).Msg("download failed")
		if b.notifier != nil {
			b.notifier.ConversionFailed(groupID, url, reason)
		}
		return
	}

	b.deliver(b.workCtx, groupID, res, limits.MaxFileSizeMB)
}
