package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DiskSpaceMinBytes is the free-space level below which sweeps warn.
const DiskSpaceMinBytes = 2 * 1024 * 1024 * 1024

// CleanupStale removes entries in dir older than maxAge and returns how many
// were removed. A missing dir is created.
func CleanupStale(dir string, maxAge time.Duration, logger zerolog.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		os.MkdirAll(dir, 0755)
		return 0
	}

	now := time.Now()
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			logger.Info().Str("file", e.Name()).Msg("cleaned up stale download")
			removed++
		}
	}

	if ds, err := GetDiskSpace(dir); err == nil {
		ev := logger.Debug()
		if ds.AvailBytes < DiskSpaceMinBytes {
			ev = logger.Warn()
		}
		ev.Str("free", humanize.IBytes(ds.AvailBytes)).
			Str("total", humanize.IBytes(ds.TotalBytes)).
			Msg("download dir disk space")
	}
	return removed
}

// FindNewestContaining returns the most recently modified regular file in
// dir whose name contains substr.
func FindNewestContaining(dir, substr string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), substr) {
			continue
		}
		if strings.HasSuffix(e.Name(), ".part") || strings.HasSuffix(e.Name(), ".ytdl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no file containing %q in %s", substr, dir)
	}
	return best, nil
}

func FileExists(p string) bool {
	return isFile(p)
}

// WriteFileAtomic writes data to a unique temp file in the target's directory
// and renames it over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
