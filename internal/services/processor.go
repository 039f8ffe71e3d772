package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Remuxer rewraps a downloaded file into an .mp4 container.
type Remuxer interface {
	Remux(ctx context.Context, inputPath string) (string, error)
}

type FFmpegRemuxer struct {
	Path string
}

// Remux copies the streams of inputPath into "<name>.mp4" and removes the
// input on success. Files already in .mp4 are returned unchanged.
func (r FFmpegRemuxer) Remux(ctx context.Context, inputPath string) (string, error) {
	if strings.EqualFold(filepath.Ext(inputPath), ".mp4") {
		return inputPath, nil
	}
	outputPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".mp4"

	bin := r.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-y", "-i", inputPath,
		"-codec", "copy",
		"-movflags", "+faststart",
		outputPath,
	)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	stderrBytes, _ := io.ReadAll(stderrPipe)
	if err := cmd.Wait(); err != nil {
		os.Remove(outputPath)
		errStr := string(stderrBytes)
		if len(errStr) > 500 {
			errStr = errStr[len(errStr)-500:]
		}
		return "", fmt.Errorf("remux failed (code %d): %s", cmd.ProcessState.ExitCode(), strings.TrimSpace(errStr))
	}

	os.Remove(inputPath)
	return outputPath, nil
}
