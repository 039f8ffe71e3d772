package util

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

type Dependency struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Version  string `json:"version,omitempty"`
	Required bool   `json:"required"`
	Error    string `json:"error,omitempty"`
}

func (d Dependency) Available() bool { return d.Path != "" && d.Error == "" }

type DependencyReport struct {
	YtDlp    Dependency     `json:"yt_dlp"`
	FFmpeg   Dependency     `json:"ffmpeg"`
	FFprobe  Dependency     `json:"ffprobe"`
	Location FFmpegLocation `json:"-"`
}

// CheckDependencies probes yt-dlp and the ffmpeg tools, each bounded by
// timeout. Missing tools are reported, not treated as fatal.
func CheckDependencies(ctx context.Context, ytdlp, ffmpegDir string, timeout time.Duration) DependencyReport {
	loc := LocateFFmpeg(ffmpegDir)
	report := DependencyReport{
		YtDlp:    Dependency{Name: "yt-dlp", Required: true},
		FFmpeg:   Dependency{Name: "ffmpeg", Required: true, Path: loc.FFmpeg},
		FFprobe:  Dependency{Name: "ffprobe", Path: loc.FFprobe},
		Location: loc,
	}

	if p, err := exec.LookPath(ytdlp); err == nil {
		report.YtDlp.Path = p
	}

	probe(ctx, &report.YtDlp, timeout, "--version")
	probe(ctx, &report.FFmpeg, timeout, "-version")
	probe(ctx, &report.FFprobe, timeout, "-version")
	return report
}

func probe(ctx context.Context, d *Dependency, timeout time.Duration, flag string) {
	if d.Path == "" {
		d.Error = "not found"
		return
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.Path, flag).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			d.Error = "timed out after " + timeout.String()
		} else {
			d.Error = err.Error()
		}
		return
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	if sc.Scan() {
		d.Version = sc.Text()
	}
}

func (r DependencyReport) Log(logger zerolog.Logger) {
	for _, d := range []Dependency{r.YtDlp, r.FFmpeg, r.FFprobe} {
		switch {
		case d.Available():
			logger.Info().Str("path", d.Path).Str("version", d.Version).Msgf("✓ %s found", d.Name)
		case d.Required:
			logger.Error().Str("error", d.Error).Msgf("✗ %s unavailable (REQUIRED)", d.Name)
		default:
			logger.Warn().Str("error", d.Error).Msgf("- %s unavailable (optional)", d.Name)
		}
	}
}
