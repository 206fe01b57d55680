// Package spool manages per-transaction spool directories.
//
// A spool directory is shared between the agent and the detached wrapper that
// runs an action. The wrapper owns the stdout/stderr files and writes the
// completion artifact when the action exits; the agent only reads them. Because
// the files outlive both processes, a restarted agent can pick up where the
// previous one stopped.
package spool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/tether/internal/txstore"
)

const (
	requestFile  = "request.json"
	pidFile      = "wrapper.pid"
	artifactFile = "exitcode"
	logFile      = "wrapper.log"
)

var (
	// ErrNoArtifact means the wrapper has not (yet) recorded a completion artifact.
	ErrNoArtifact = errors.New("completion artifact not found")
	// ErrCorruptArtifact means an artifact exists but cannot be trusted.
	ErrCorruptArtifact = errors.New("completion artifact is corrupt")
	ErrNoPIDFile       = errors.New("wrapper pid file not found")
)

// Manager creates and locates spool directories below a base directory.
type Manager struct {
	baseDir string
}

// NewManager creates a spool manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("spool base directory is empty")
	}
	return &Manager{baseDir: filepath.Clean(trimmed)}, nil
}

// Root returns the base directory.
func (m *Manager) Root() string { return m.baseDir }

// Create initializes the spool directory for a transaction.
func (m *Manager) Create(ctx context.Context, transactionID string) (Dir, error) {
	if err := ctx.Err(); err != nil {
		return Dir{}, err
	}
	path, err := m.path(transactionID)
	if err != nil {
		return Dir{}, err
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Dir{}, fmt.Errorf("create spool base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o700); err != nil {
		return Dir{}, fmt.Errorf("create spool for transaction %q: %w", transactionID, err)
	}
	return Dir{TransactionID: transactionID, Path: path}, nil
}

// Open returns an existing spool directory.
func (m *Manager) Open(ctx context.Context, transactionID string) (Dir, error) {
	if err := ctx.Err(); err != nil {
		return Dir{}, err
	}
	path, err := m.path(transactionID)
	if err != nil {
		return Dir{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Dir{}, fmt.Errorf("open spool for transaction %q: %w", transactionID, err)
	}
	if !info.IsDir() {
		return Dir{}, fmt.Errorf("spool path for transaction %q is not a directory", transactionID)
	}
	return Dir{TransactionID: transactionID, Path: path}, nil
}

// Remove deletes a transaction's spool directory. Missing directories are ignored.
func (m *Manager) Remove(transactionID string) error {
	path, err := m.path(transactionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove spool %q: %w", transactionID, err)
	}
	return nil
}

func (m *Manager) path(transactionID string) (string, error) {
	if err := validateID(transactionID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, transactionID), nil
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("transaction id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("transaction id %q is invalid", id)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("transaction id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("transaction id %q is invalid", id)
	}
	return nil
}

// Dir is one transaction's spool directory.
type Dir struct {
	TransactionID string
	Path          string
}

// OpenDir wraps an existing directory path, as handed to the wrapper.
func OpenDir(path string) (Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Dir{}, fmt.Errorf("open spool dir: %w", err)
	}
	if !info.IsDir() {
		return Dir{}, fmt.Errorf("spool path %q is not a directory", path)
	}
	return Dir{TransactionID: filepath.Base(path), Path: path}, nil
}

// StreamPath returns the file that captures stream.
func (d Dir) StreamPath(s txstore.Stream) string {
	return filepath.Join(d.Path, string(s))
}

// LogPath is where the wrapper writes its own diagnostics.
func (d Dir) LogPath() string {
	return filepath.Join(d.Path, logFile)
}

// Request tells the wrapper what to run.
type Request struct {
	TransactionID string          `json:"transaction_id"`
	Command       string          `json:"command"`
	Args          []string        `json:"args,omitempty"`
	Env           []string        `json:"env,omitempty"`
	WorkDir       string          `json:"work_dir,omitempty"`
	Stdin         json.RawMessage `json:"stdin,omitempty"`
}

func (d Dir) WriteRequest(r Request) error {
	return d.writeJSON(requestFile, r)
}

func (d Dir) ReadRequest() (Request, error) {
	var r Request
	raw, err := os.ReadFile(filepath.Join(d.Path, requestFile))
	if err != nil {
		return r, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode request: %w", err)
	}
	if r.Command == "" {
		return r, fmt.Errorf("request has no command")
	}
	return r, nil
}

// PIDRecord is the wrapper's own identity, written before it starts the action.
type PIDRecord struct {
	PID       int    `json:"pid"`
	StartTime uint64 `json:"start_time"`
}

func (d Dir) WritePID(p PIDRecord) error {
	return d.writeJSON(pidFile, p)
}

func (d Dir) ReadPID() (PIDRecord, error) {
	var p PIDRecord
	raw, err := os.ReadFile(filepath.Join(d.Path, pidFile))
	if errors.Is(err, os.ErrNotExist) {
		return p, ErrNoPIDFile
	}
	if err != nil {
		return p, fmt.Errorf("read pid file: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.PID <= 0 {
		return PIDRecord{}, fmt.Errorf("decode pid file: invalid content")
	}
	return p, nil
}

// Artifact is the completion record written by the wrapper after the action exits.
type Artifact struct {
	ExitCode     int       `json:"exit_code"`
	Signal       string    `json:"signal,omitempty"`
	Error        string    `json:"error,omitempty"`
	StdoutBytes  int64     `json:"stdout_bytes"`
	StdoutBLAKE3 string    `json:"stdout_blake3"`
	StderrBytes  int64     `json:"stderr_bytes"`
	StderrBLAKE3 string    `json:"stderr_blake3"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Bytes returns the recorded size of stream.
func (a Artifact) Bytes(s txstore.Stream) int64 {
	if s == txstore.StreamStderr {
		return a.StderrBytes
	}
	return a.StdoutBytes
}

func (a Artifact) digest(s txstore.Stream) string {
	if s == txstore.StreamStderr {
		return a.StderrBLAKE3
	}
	return a.StdoutBLAKE3
}

// WriteArtifact records a completion artifact atomically.
func (d Dir) WriteArtifact(a Artifact) error {
	return d.writeJSON(artifactFile, a)
}

// ReadArtifact returns ErrNoArtifact if none was written and ErrCorruptArtifact
// if what was written cannot be decoded.
func (d Dir) ReadArtifact() (Artifact, error) {
	var a Artifact
	raw, err := os.ReadFile(filepath.Join(d.Path, artifactFile))
	if errors.Is(err, os.ErrNotExist) {
		return a, ErrNoArtifact
	}
	if err != nil {
		return a, fmt.Errorf("read artifact: %w", err)
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if a.FinishedAt.IsZero() {
		return Artifact{}, fmt.Errorf("%w: missing finished_at", ErrCorruptArtifact)
	}
	return a, nil
}

// Digest hashes the current content of stream's file.
func (d Dir) Digest(s txstore.Stream) (string, int64, error) {
	f, err := os.Open(d.StreamPath(s))
	if errors.Is(err, os.ErrNotExist) {
		sum := blake3.Sum256(nil)
		return hex.EncodeToString(sum[:]), 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", s, err)
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", s, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// VerifyArtifact checks that the stream files still match what the artifact recorded.
func (d Dir) VerifyArtifact(a Artifact) error {
	for _, s := range txstore.Streams {
		sum, n, err := d.Digest(s)
		if err != nil {
			return err
		}
		if n != a.Bytes(s) || sum != a.digest(s) {
			return fmt.Errorf("%s does not match completion artifact (%d bytes, want %d)", s, n, a.Bytes(s))
		}
	}
	return nil
}

func (d Dir) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return writeFileAtomic(d.Path, name, data)
}

// writeFileAtomic writes data to dir/name via a synced temp file and rename, then
// syncs the directory so the rename itself survives a crash.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}

	df, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
