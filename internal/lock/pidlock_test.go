package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tether.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file pid = %q, want %d", got, os.Getpid())
	}
	pid, err := ReadPID(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "tether.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// flock is per open file description, so a second open in-process conflicts.
	if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire err = %v, want ErrLocked", err)
	}
	held, err := IsExecuting(path)
	if err != nil || !held {
		t.Fatalf("IsExecuting = %v, %v; want true", held, err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	held, err = IsExecuting(path)
	if err != nil || held {
		t.Fatalf("IsExecuting after release = %v, %v; want false", held, err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	_ = l2.Release()
}

func TestHeldMissingFile(t *testing.T) {
	t.Parallel()
	held, err := IsExecuting(filepath.Join(t.TempDir(), "absent.lock"))
	if err != nil || held {
		t.Fatalf("IsExecuting = %v, %v", held, err)
	}
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.lock")
	if err := os.WriteFile(path, []byte("nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestReleaseNil(t *testing.T) {
	var l *PIDLock
	if err := l.Release(); err != nil {
		t.Fatalf("Release nil: %v", err)
	}
}
