package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var percentRe = regexp.MustCompile(`([\d.]+)%`)
var speedRe = regexp.MustCompile(`at\s+([\d.]+\s*\w+/s)`)
var etaRe = regexp.MustCompile(`ETA\s+(\S+)`)
var ytdlpErrorRe = regexp.MustCompile(`(?i)ERROR[:\s]+(.+?)(?:\n|$)`)

type YtdlpProgress struct {
	Percent float64
	Speed   string
	ETA     string
}

func ParseYtdlpProgress(text string) YtdlpProgress {
	var p YtdlpProgress
	if m := percentRe.FindStringSubmatch(text); len(m) > 1 {
		p.Percent, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := speedRe.FindStringSubmatch(text); len(m) > 1 {
		p.Speed = m[1]
	}
	if m := etaRe.FindStringSubmatch(text); len(m) > 1 {
		p.ETA = m[1]
	}
	return p
}

// Runner executes one yt-dlp invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args []string) ([]byte, error)
}

// YtdlpRunner runs the yt-dlp binary. Progress lines are logged at debug
// level; a non-zero exit becomes a *DownloadError.
type YtdlpRunner struct {
	Path   string
	Logger zerolog.Logger
}

func (r YtdlpRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	bin := r.Path
	if bin == "" {
		bin = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start yt-dlp: %w", err)
	}

	var out bytes.Buffer
	var stderrOutput strings.Builder
	var lastProgress float64
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	report := func(line string) {
		if !strings.Contains(line, "%") {
			return
		}
		p := ParseYtdlpProgress(line)
		mu.Lock()
		shouldReport := p.Percent > 0 && (p.Percent >= lastProgress+10 || (p.Percent >= 100 && lastProgress < 100))
		if shouldReport {
			lastProgress = p.Percent
		}
		mu.Unlock()
		if shouldReport {
			r.Logger.Debug().Float64("percent", p.Percent).Str("speed", p.Speed).Str("eta", p.ETA).Msg("yt-dlp progress")
		}
	}

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "{") {
				out.WriteString(line + "\n")
				continue
			}
			report(line)
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stderrOutput.WriteString(line + "\n")
			report(line)
		}
	}()

	wg.Wait()
	err = cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		derr := &DownloadError{Reason: "Download failed", Stderr: stderrOutput.String(), Err: err}
		if m := ytdlpErrorRe.FindStringSubmatch(derr.Stderr); len(m) > 1 {
			derr.Reason = strings.TrimSpace(m[1])
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			derr.ExitCode = exitErr.ExitCode()
		}
		return nil, derr
	}
	return out.Bytes(), nil
}
