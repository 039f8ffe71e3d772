//go:build !windows

package util

import (
	"syscall"
)

type DiskSpaceInfo struct {
	AvailBytes uint64
	TotalBytes uint64
}

func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskSpaceInfo{}, err
	}
	return DiskSpaceInfo{
		AvailBytes: uint64(stat.Bavail) * uint64(stat.Bsize),
		TotalBytes: uint64(stat.Blocks) * uint64(stat.Bsize),
	}, nil
}
