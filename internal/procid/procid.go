// Package procid answers whether a recorded process is still the one we started.
//
// A pid alone is not an identity: pids are recycled. An identity is the pid plus
// the kernel's start stamp for it, optionally backed by an environment marker
// that only processes spawned for a given transaction carry.
package procid

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotFound means no process exists with the requested pid.
var ErrNotFound = errors.New("process not found")

// MarkerVar is the environment variable set on every spawned wrapper.
const MarkerVar = "TETHER_TRANSACTION_ID"

// Info describes a live (or zombie) process.
type Info struct {
	PID int
	// StartTime is an OS-specific monotonic start stamp. Zero means the platform
	// cannot report one.
	StartTime uint64
	Zombie    bool
}

// Lookup reads the identity of pid from the OS.
func Lookup(pid int) (Info, error) {
	if pid <= 0 {
		return Info{}, ErrNotFound
	}
	return readInfo(pid)
}

// Alive reports whether a signal could be delivered to pid.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Marker returns the environment entry identifying a transaction's process.
func Marker(transactionID string) string {
	return MarkerVar + "=" + transactionID
}

// Verify reports whether pid is alive, not a zombie, started at start (when the
// platform reports start times) and, where its environment is readable, carries
// marker.
func Verify(pid int, start uint64, marker string) bool {
	if !Alive(pid) {
		return false
	}
	info, err := Lookup(pid)
	if err != nil || info.Zombie {
		return false
	}
	if start != 0 && info.StartTime != 0 && info.StartTime != start {
		return false
	}
	if marker == "" {
		return true
	}
	env, err := readEnviron(pid)
	if err != nil {
		// Unreadable environment (permissions, platform): rely on the start stamp.
		return true
	}
	for _, kv := range env {
		if kv == marker {
			return true
		}
	}
	return false
}

func splitEnviron(raw []byte) []string {
	parts := strings.Split(string(raw), "\x00")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
