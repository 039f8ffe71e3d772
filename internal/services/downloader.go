package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bili2mp4/bili2mp4/internal/util"
)

// OutputTemplate names downloads "<title, 80 chars max> [<id>].<ext>".
const OutputTemplate = "%(title).80s [%(id)s].%(ext)s"

const extractorArgs = "bilibili:player_client=android;lang=zh-CN"

// ErrCannotDownload is returned when no format candidate was attempted.
var ErrCannotDownload = errors.New("无法下载该视频")

// DownloadError is a failed yt-dlp run.
type DownloadError struct {
	Format   string
	Reason   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *DownloadError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("yt-dlp (format %s): %s", e.Format, e.Reason)
	}
	return "yt-dlp: " + e.Reason
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Attempt records one format candidate. Exactly one of Result and Err is set.
type Attempt struct {
	Format string
	Result *Result
	Err    error
}

// AggregateError reports that every candidate failed. It unwraps to the
// last attempt's error.
type AggregateError struct {
	Attempts []Attempt
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("all %d format candidates failed, last: %v", len(e.Attempts), e.Unwrap())
}

func (e *AggregateError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

type Request struct {
	URL           string
	Cookie        string
	OutputDir     string
	MaxHeight     int
	MaxFileSizeMB int
}

type Result struct {
	Path   string
	Title  string
	ID     string
	Format string
}

// BuildFormatCandidates returns yt-dlp format selectors from strictest to
// loosest. Zero limits add no constraint.
func BuildFormatCandidates(maxHeight, maxSizeMB int) []string {
	var h, s string
	if maxHeight > 0 {
		h = fmt.Sprintf("[height<=%d]", maxHeight)
	}
	if maxSizeMB > 0 {
		s = fmt.Sprintf("[filesize<=%dM]", maxSizeMB)
	}
	return []string{
		fmt.Sprintf("bv*%s%s[vcodec^=avc]+ba/best%s%s[vcodec^=avc]/best%s%s", h, s, h, s, h, s),
		fmt.Sprintf("bv*%s%s+ba/best%s%s", h, s, h, s),
		"bv*+ba/best",
	}
}

// URLResolver expands short links before download.
type URLResolver interface {
	Resolve(ctx context.Context, url string) string
}

type Options struct {
	// CookieFile is where the Netscape cookie jar is written.
	CookieFile string
	FFmpeg     util.FFmpegLocation
	Proxy      string
	Remux      bool
}

type Downloader struct {
	runner   Runner
	resolver URLResolver
	remuxer  Remuxer
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDownloader(runner Runner, resolver URLResolver, opts Options, logger zerolog.Logger) *Downloader {
	d := &Downloader{
		runner:   runner,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With().Str("component", "downloader").Logger(),
		now:      time.Now,
	}
	if opts.Remux && opts.FFmpeg.Available() {
		d.remuxer = FFmpegRemuxer{Path: opts.FFmpeg.FFmpeg}
	}
	return d
}

// Download fetches req.URL into req.OutputDir, trying each format candidate
// in turn until one produces a file.
func (d *Downloader) Download(ctx context.Context, req Request) (*Result, error) {
	if err := util.ValidateURL(req.URL); err != nil {
		return nil, fmt.Errorf("%s: %w", req.URL, err)
	}
	jobID := uuid.NewString()[:8]
	logger := d.logger.With().Str("job", jobID).Logger()

	target := req.URL
	if d.resolver != nil {
		target = d.resolver.Resolve(ctx, req.URL)
		if target != req.URL {
			logger.Debug().Str("from", req.URL).Str("to", target).Msg("expanded short link")
		}
	}

	cookieFile := ""
	if d.opts.CookieFile != "" {
		jar, err := d.prepareCookieJar(req.Cookie, jobID)
		if err != nil {
			logger.Warn().Err(err).Msg("cookie jar unavailable, downloading without cookie")
		}
		if jar != "" {
			cookieFile = jar
			defer util.RemoveCookieJar(jar)
		}
	}

	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var attempts []Attempt
	for _, format := range BuildFormatCandidates(req.MaxHeight, req.MaxFileSizeMB) {
		if ctx.Err() != nil {
			break
		}
		res, err := d.attempt(ctx, format, target, cookieFile, req.OutputDir)
		attempts = append(attempts, Attempt{Format: format, Result: res, Err: err})
		if err == nil {
			logger.Info().Str("format", format).Str("file", filepath.Base(res.Path)).Msg("download complete")
			return res, nil
		}
		logger.Debug().Err(err).Str("format", format).Msg("format candidate failed")
	}

	if len(attempts) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrCannotDownload
	}
	return nil, &AggregateError{Attempts: attempts}
}

// prepareCookieJar refreshes the shared jar and returns a private copy for
// this job, since yt-dlp rewrites the file it is given on exit.
func (d *Downloader) prepareCookieJar(cookie, jobID string) (string, error) {
	now := d.now()
	shared, err := util.WriteCookieJar(d.opts.CookieFile, cookie, now)
	if err != nil || shared == "" {
		return "", err
	}
	ext := filepath.Ext(shared)
	return util.WriteCookieJar(strings.TrimSuffix(shared, ext)+"."+jobID+ext, cookie, now)
}

func (d *Downloader) attempt(ctx context.Context, format, url, cookieFile, outDir string) (*Result, error) {
	out, err := d.runner.Run(ctx, d.buildArgs(format, url, cookieFile, outDir))
	if err != nil {
		var derr *DownloadError
		if errors.As(err, &derr) && derr.Format == "" {
			derr.Format = format
		}
		return nil, err
	}

	info, err := parseVideoInfo(out)
	if err != nil {
		return nil, err
	}
	path := locateOutput(info, outDir)
	if path == "" {
		return nil, fmt.Errorf("downloaded file not found for %q, is ffmpeg installed?", info.ID)
	}

	if d.remuxer != nil && !strings.EqualFold(filepath.Ext(path), ".mp4") {
		if remuxed, err := d.remuxer.Remux(ctx, path); err != nil {
			d.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("remux failed, keeping original")
		} else {
			path = remuxed
		}
	}

	return &Result{Path: path, Title: info.Title, ID: info.ID, Format: format}, nil
}

func (d *Downloader) buildArgs(format, url, cookieFile, outDir string) []string {
	args := []string{
		"-f", format,
		"-o", filepath.Join(outDir, OutputTemplate),
		"--no-playlist",
		"--merge-output-format", "mp4",
		"--no-warnings",
		"--newline",
		"--progress",
		"--extractor-args", extractorArgs,
		"--print", "after_move:%()j",
	}

	headers := util.BrowserHeaders()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "--add-header", name+":"+headers.Get(name))
	}

	if d.opts.FFmpeg.Dir != "" {
		args = append(args, "--ffmpeg-location", d.opts.FFmpeg.Dir)
	}
	if cookieFile != "" {
		args = append(args, "--cookies", cookieFile)
	}
	args = append(args, util.ProxyArgs(d.opts.Proxy)...)
	return append(args, "--", url)
}

type videoInfo struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Ext                string       `json:"ext"`
	Filepath           string       `json:"filepath"`
	Filename           string       `json:"_filename"`
	RequestedDownloads []fileRecord `json:"requested_downloads"`
	RequestedFormats   []fileRecord `json:"requested_formats"`
}

type fileRecord struct {
	Filepath string `json:"filepath"`
}

// parseVideoInfo decodes the last JSON line yt-dlp printed.
func parseVideoInfo(out []byte) (*videoInfo, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info videoInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, fmt.Errorf("parse yt-dlp info: %w", err)
		}
		return &info, nil
	}
	return nil, errors.New("yt-dlp printed no video info")
}

// locateOutput finds the merged file: recorded download paths first, then
// the predicted .mp4 name, then any file in dir carrying the video id.
func locateOutput(info *videoInfo, dir string) string {
	for _, group := range [][]fileRecord{info.RequestedDownloads, info.RequestedFormats} {
		for _, rec := range group {
			if rec.Filepath != "" && util.FileExists(rec.Filepath) {
				return rec.Filepath
			}
		}
	}
	for _, p := range []string{info.Filepath, info.Filename} {
		if p != "" && util.FileExists(p) {
			return p
		}
	}

	if base := info.Filename; base != "" {
		predicted := strings.TrimSuffix(base, filepath.Ext(base)) + ".mp4"
		if util.FileExists(predicted) {
			return predicted
		}
	}

	if info.ID != "" {
		if p, err := util.FindNewestContaining(dir, info.ID); err == nil {
			return p
		}
	}
	return ""
}
