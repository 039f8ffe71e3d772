package util

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// FFmpegLocation describes where the ffmpeg tools were found. Dir is passed
// to yt-dlp as --ffmpeg-location.
type FFmpegLocation struct {
	FFmpeg  string
	FFprobe string
	Dir     string
}

func (l FFmpegLocation) Available() bool { return l.FFmpeg != "" }

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// LocateFFmpeg looks in dir first and falls back to PATH.
func LocateFFmpeg(dir string) FFmpegLocation {
	var loc FFmpegLocation
	if dir != "" {
		if p := filepath.Join(dir, exeName("ffmpeg")); isFile(p) {
			loc.FFmpeg = p
		}
		if p := filepath.Join(dir, exeName("ffprobe")); isFile(p) {
			loc.FFprobe = p
		}
	}
	if loc.FFmpeg == "" {
		loc.FFmpeg, _ = exec.LookPath("ffmpeg")
	}
	if loc.FFprobe == "" {
		loc.FFprobe, _ = exec.LookPath("ffprobe")
	}
	if loc.FFmpeg != "" {
		loc.Dir = filepath.Dir(loc.FFmpeg)
	}
	return loc
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
