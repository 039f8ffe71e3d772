package bot

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/bili2mp4/bili2mp4/internal/config"
	"github.com/bili2mp4/bili2mp4/internal/services"
)

// deliver uploads res to the group. The local file is removed on every
// path; failures are logged and never posted to the group.
func (b *Bot) deliver(ctx context.Context, groupID int64, res *services.Result, maxFileSizeMB int) {
	logger := b.logger.With().Int64("group", groupID).Str("file", filepath.Base(res.Path)).Logger()
	defer func() {
		if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("failed to remove delivered file")
		}
	}()

	info, err := os.Stat(res.Path)
	if err != nil {
		logger.Error().Err(err).Msg("downloaded file missing")
		return
	}

	sizeMB := float64(info.Size()) / 1024 / 1024
	if maxFileSizeMB > 0 && sizeMB > float64(maxFileSizeMB) {
		logger.Info().
			Str("size", humanize.IBytes(uint64(info.Size()))).
			Int("limit_mb", maxFileSizeMB).
			Msg("video exceeds size limit, not sending")
		return
	}

	caption := res.Title
	if caption == "" {
		caption = config.DefaultCaption
	}
	if err := b.client.SendGroupVideo(ctx, groupID, res.Path, caption); err != nil {
		logger.Error().Err(err).Msg("failed to send video")
		return
	}
	logger.Info().Str("size", humanize.IBytes(uint64(info.Size()))).Msg("video sent")
}
