//go:build darwin

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func detectFilesystemType(path string) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs: %w", err)
	}
	return unix.ByteSliceToString(stat.Fstypename[:]), nil
}
