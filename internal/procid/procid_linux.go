//go:build linux

package procid

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

func readInfo(pid int) (Info, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("read stat for %d: %w", pid, err)
	}
	return parseStat(pid, string(raw))
}

// parseStat extracts state and starttime from a /proc/<pid>/stat line. The comm
// field may contain spaces and parentheses, so fields are counted from the last
// closing parenthesis.
func parseStat(pid int, line string) (Info, error) {
	end := strings.LastIndexByte(line, ')')
	if end < 0 || end+2 > len(line) {
		return Info{}, fmt.Errorf("malformed stat for %d", pid)
	}
	fields := strings.Fields(line[end+2:])
	// fields[0] is field 3 (state); starttime is field 22.
	const startIdx = 22 - 3
	if len(fields) <= startIdx {
		return Info{}, fmt.Errorf("short stat for %d", pid)
	}
	start, err := strconv.ParseUint(fields[startIdx], 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("parse starttime for %d: %w", pid, err)
	}
	state := fields[0]
	return Info{
		PID:       pid,
		StartTime: start,
		Zombie:    state == "Z" || state == "X",
	}, nil
}

func readEnviron(pid int) ([]string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return nil, err
	}
	return splitEnviron(raw), nil
}
