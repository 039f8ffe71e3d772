package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bili2mp4/bili2mp4/internal/util"
)

// fakeRunner fails the first failures calls, then writes a file named from
// the -o template and prints its info.
type fakeRunner struct {
	mu       sync.Mutex
	failures int
	calls    [][]string
	fileExt  string
	noInfo   bool
}

func (f *fakeRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)

	if len(f.calls) <= f.failures {
		return nil, &DownloadError{Reason: "Requested format is not available", Err: errors.New("exit status 1")}
	}

	out := argValue(args, "-o")
	ext := f.fileExt
	if ext == "" {
		ext = "mp4"
	}
	path := strings.NewReplacer("%(title).80s", "测试视频", "%(id)s", "BV1xx411c7mD", "%(ext)s", ext).Replace(out)
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		return nil, err
	}
	if f.noInfo {
		return []byte("[download] 100%\n"), nil
	}
	info, _ := json.Marshal(map[string]any{
		"id":    "BV1xx411c7mD",
		"title": "测试视频",
		"ext":   ext,
		"requested_downloads": []map[string]any{
			{"filepath": path},
		},
	})
	return append(info, '\n'), nil
}

func (f *fakeRunner) formats() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, args := range f.calls {
		out = append(out, argValue(args, "-f"))
	}
	return out
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

type fakeResolver map[string]string

func (r fakeResolver) Resolve(ctx context.Context, url string) string {
	if to, ok := r[url]; ok {
		return to
	}
	return url
}

func TestBuildFormatCandidates(t *testing.T) {
	tests := []struct {
		name string
		h, s int
		want []string
	}{
		{
			name: "no limits",
			want: []string{
				"bv*[vcodec^=avc]+ba/best[vcodec^=avc]/best",
				"bv*+ba/best",
				"bv*+ba/best",
			},
		},
		{
			name: "height only",
			h:    720,
			want: []string{
				"bv*[height<=720][vcodec^=avc]+ba/best[height<=720][vcodec^=avc]/best[height<=720]",
				"bv*[height<=720]+ba/best[height<=720]",
				"bv*+ba/best",
			},
		},
		{
			name: "height and size",
			h:    1080,
			s:    45,
			want: []string{
				"bv*[height<=1080][filesize<=45M][vcodec^=avc]+ba/best[height<=1080][filesize<=45M][vcodec^=avc]/best[height<=1080][filesize<=45M]",
				"bv*[height<=1080][filesize<=45M]+ba/best[height<=1080][filesize<=45M]",
				"bv*+ba/best",
			},
		},
		{
			name: "negative treated as unlimited",
			h:    -1,
			s:    -5,
			want: []string{
				"bv*[vcodec^=avc]+ba/best[vcodec^=avc]/best",
				"bv*+ba/best",
				"bv*+ba/best",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildFormatCandidates(tt.h, tt.s)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("candidate %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func newTestDownloader(t *testing.T, runner Runner, resolver URLResolver) (*Downloader, string) {
	t.Helper()
	dir := t.TempDir()
	d := NewDownloader(runner, resolver, Options{
		CookieFile: filepath.Join(dir, "bili_cookies.txt"),
	}, zerolog.Nop())
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	return d, dir
}

func TestDownload_FirstCandidateSucceeds(t *testing.T) {
	runner := &fakeRunner{}
	d, dir := newTestDownloader(t, runner, fakeResolver{
		"https://b23.tv/abc": "https://www.bilibili.com/video/BV1xx411c7mD",
	})
	out := filepath.Join(dir, "downloads")

	res, err := d.Download(context.Background(), Request{
		URL:       "https://b23.tv/abc",
		Cookie:    "SESSDATA=s; bili_jct=j",
		OutputDir: out,
		MaxHeight: 720,
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if res.Title != "测试视频" || res.ID != "BV1xx411c7mD" {
		t.Errorf("Result = %+v", res)
	}
	if res.Path != filepath.Join(out, "测试视频 [BV1xx411c7mD].mp4") {
		t.Errorf("Path = %q", res.Path)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runner.calls))
	}

	args := runner.calls[0]
	if args[len(args)-1] != "https://www.bilibili.com/video/BV1xx411c7mD" {
		t.Errorf("runner got URL %q, want resolved URL", args[len(args)-1])
	}
	if !strings.Contains(argValue(args, "-f"), "[height<=720]") {
		t.Errorf("format %q missing height limit", argValue(args, "-f"))
	}
	for flag, want := range map[string]string{
		"--merge-output-format": "mp4",
		"--extractor-args":      "bilibili:player_client=android;lang=zh-CN",
		"--print":               "after_move:%()j",
	} {
		if got := argValue(args, flag); got != want {
			t.Errorf("%s = %q, want %q", flag, got, want)
		}
	}
	if !containsArg(args, "--no-playlist") || !containsArg(args, "Referer:https://www.bilibili.com/") {
		t.Errorf("args missing playlist or referer flags: %v", args)
	}
	// --print implies --quiet, which hides progress unless forced
	if !containsArg(args, "--progress") || !containsArg(args, "--newline") {
		t.Errorf("args missing progress flags: %v", args)
	}

	jobJar := argValue(args, "--cookies")
	if !strings.HasPrefix(jobJar, filepath.Join(dir, "bili_cookies.")) || !strings.HasSuffix(jobJar, ".txt") ||
		jobJar == filepath.Join(dir, "bili_cookies.txt") {
		t.Errorf("--cookies = %q, want a per-job jar", jobJar)
	}
	if util.FileExists(jobJar) {
		t.Error("per-job cookie jar should be removed after the download")
	}

	jar, err := os.ReadFile(filepath.Join(dir, "bili_cookies.txt"))
	if err != nil {
		t.Fatalf("cookie jar not written: %v", err)
	}
	if !strings.Contains(string(jar), ".bilibili.com\tTRUE\t/\tFALSE\t1715552000\tSESSDATA\ts\n") {
		t.Errorf("cookie jar = %q", jar)
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestDownload_FallsBackThroughCandidates(t *testing.T) {
	runner := &fakeRunner{failures: 2}
	d, dir := newTestDownloader(t, runner, nil)

	res, err := d.Download(context.Background(), Request{
		URL:       "https://www.bilibili.com/video/BV1xx411c7mD",
		OutputDir: dir,
		MaxHeight: 720,
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if res.Format != "bv*+ba/best" {
		t.Errorf("Format = %q, want the unconstrained candidate", res.Format)
	}

	formats := runner.formats()
	if len(formats) != 3 {
		t.Fatalf("formats tried = %v", formats)
	}
	for i, f := range formats {
		has := strings.Contains(f, "[height<=720]")
		if want := i < 2; has != want {
			t.Errorf("candidate %d %q: height constraint = %v, want %v", i, f, has, want)
		}
	}
}

func TestDownload_AllCandidatesFail(t *testing.T) {
	runner := &fakeRunner{failures: 10}
	d, dir := newTestDownloader(t, runner, nil)

	_, err := d.Download(context.Background(), Request{
		URL:       "https://www.bilibili.com/video/BV1xx411c7mD",
		OutputDir: dir,
	})

	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("error = %v, want *AggregateError", err)
	}
	if len(agg.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(agg.Attempts))
	}
	var derr *DownloadError
	if !errors.As(err, &derr) {
		t.Fatalf("error should unwrap to *DownloadError")
	}
	if derr.Format != "bv*+ba/best" {
		t.Errorf("last DownloadError.Format = %q", derr.Format)
	}
	if util.SummarizeFailure(err) != "No format matched the quality and size limits" {
		t.Errorf("SummarizeFailure() = %q", util.SummarizeFailure(err))
	}
}

func TestDownload_CancelledBeforeAttempt(t *testing.T) {
	runner := &fakeRunner{}
	d, dir := newTestDownloader(t, runner, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Download(ctx, Request{URL: "https://www.bilibili.com/video/BV1", OutputDir: dir})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(runner.calls) != 0 {
		t.Error("runner should not be called")
	}
}

func TestDownload_RejectsInvalidURL(t *testing.T) {
	d, dir := newTestDownloader(t, &fakeRunner{}, nil)
	_, err := d.Download(context.Background(), Request{URL: "ftp://bilibili.com/x", OutputDir: dir})
	if !errors.Is(err, util.ErrUnsupportedURL) {
		t.Errorf("error = %v", err)
	}
}

func TestDownload_FailsWithoutInfo(t *testing.T) {
	d, dir := newTestDownloader(t, &fakeRunner{noInfo: true}, nil)
	_, err := d.Download(context.Background(), Request{URL: "https://www.bilibili.com/video/BV1xx411c7mD", OutputDir: dir})
	if err == nil || !strings.Contains(err.Error(), "no video info") {
		t.Errorf("error = %v, want missing info failure", err)
	}
}

func TestLocateOutput(t *testing.T) {
	dir := t.TempDir()
	merged := filepath.Join(dir, "标题 [BV1abc].mp4")
	os.WriteFile(merged, []byte("x"), 0644)

	tests := []struct {
		name string
		info videoInfo
		want string
	}{
		{
			name: "requested downloads",
			info: videoInfo{RequestedDownloads: []fileRecord{{Filepath: merged}}},
			want: merged,
		},
		{
			name: "requested formats skip missing",
			info: videoInfo{RequestedFormats: []fileRecord{{Filepath: filepath.Join(dir, "gone.m4s")}, {Filepath: merged}}},
			want: merged,
		},
		{
			name: "predicted mp4 from filename",
			info: videoInfo{Filename: filepath.Join(dir, "标题 [BV1abc].flv")},
			want: merged,
		},
		{
			name: "scan by id",
			info: videoInfo{ID: "BV1abc"},
			want: merged,
		},
		{
			name: "nothing",
			info: videoInfo{ID: "BVmissing"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := locateOutput(&tt.info, dir); got != tt.want {
				t.Errorf("locateOutput() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseYtdlpProgress(t *testing.T) {
	p := ParseYtdlpProgress("[download]  42.5% of 10.00MiB at 1.20MiB/s ETA 00:05")
	if p.Percent != 42.5 || p.Speed != "1.20MiB/s" || p.ETA != "00:05" {
		t.Errorf("ParseYtdlpProgress() = %+v", p)
	}
}

func TestYtdlpRunner_ProgressAndInfo(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for yt-dlp")
	}
	script := filepath.Join(t.TempDir(), "yt-dlp")
	body := "#!/bin/sh\n" +
		"echo '[download]  50.0% of 1.00MiB at 2.00MiB/s ETA 00:01' >&2\n" +
		"echo '{\"id\":\"BV1\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	r := YtdlpRunner{Path: script, Logger: zerolog.New(&logs).Level(zerolog.DebugLevel)}
	out, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != `{"id":"BV1"}` {
		t.Errorf("stdout = %q", out)
	}
	if !strings.Contains(logs.String(), `"percent":50`) {
		t.Errorf("progress not logged: %s", logs.String())
	}
}

type stubRemuxer struct{ calls int }

func (s *stubRemuxer) Remux(ctx context.Context, in string) (string, error) {
	s.calls++
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".mp4"
	return out, os.Rename(in, out)
}

func TestDownload_RemuxesNonMP4(t *testing.T) {
	d, dir := newTestDownloader(t, &fakeRunner{fileExt: "flv"}, nil)
	rm := &stubRemuxer{}
	d.remuxer = rm

	res, err := d.Download(context.Background(), Request{URL: "https://www.bilibili.com/video/BV1xx411c7mD", OutputDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if rm.calls != 1 || filepath.Ext(res.Path) != ".mp4" || !util.FileExists(res.Path) {
		t.Errorf("remux calls = %d, path = %q", rm.calls, res.Path)
	}
}
