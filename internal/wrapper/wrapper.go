// Package wrapper is the detached process that runs one action.
//
// The agent starts the wrapper in its own session and may exit at any time
// afterwards. The wrapper therefore owns everything the action needs to finish
// on its own: the output files, signal forwarding and the completion artifact.
package wrapper

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/tether/internal/procid"
	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/txstore"
)

// Exit codes of the wrapper itself. The action's exit code is in the artifact.
const (
	ExitOK       = 0
	ExitArtifact = 1
	ExitUsage    = 2
)

const stdinWaitDelay = 2 * time.Second

// Run executes a wrapper invocation. args excludes the program name.
func Run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("wrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	spoolPath := fs.String("spool", "", "Transaction spool directory")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if *spoolPath == "" {
		fmt.Fprintln(stderr, "wrap: --spool is required")
		return ExitUsage
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil)).With("component", "wrapper")

	dir, err := spool.OpenDir(*spoolPath)
	if err != nil {
		logger.Error("open spool", "error", err)
		return ExitUsage
	}
	logger = logger.With("transaction_id", dir.TransactionID)

	if _, err := dir.ReadArtifact(); !errors.Is(err, spool.ErrNoArtifact) {
		// An artifact (even a corrupt one) means this spool already ran.
		logger.Warn("spool already has a completion artifact, not running again")
		return ExitOK
	}

	if err := writeSelfPID(dir); err != nil {
		logger.Warn("failed to record wrapper pid", "error", err)
	}

	art := execute(dir, logger)
	if err := finish(dir, &art); err != nil {
		logger.Error("failed to write completion artifact", "error", err)
		return ExitArtifact
	}
	logger.Info("action finished", "exit_code", art.ExitCode, "signal", art.Signal, "error", art.Error)
	return ExitOK
}

func writeSelfPID(dir spool.Dir) error {
	rec := spool.PIDRecord{PID: os.Getpid()}
	if info, err := procid.Lookup(rec.PID); err == nil {
		rec.StartTime = info.StartTime
	}
	return dir.WritePID(rec)
}

// execute runs the request and returns a partially filled artifact. Digests are
// added by finish once the output files are closed.
func execute(dir spool.Dir, logger *slog.Logger) spool.Artifact {
	art := spool.Artifact{StartedAt: time.Now().UTC(), ExitCode: -1}

	req, err := dir.ReadRequest()
	if err != nil {
		art.Error = fmt.Sprintf("spawn: %v", err)
		return art
	}

	stdout, err := openStream(dir, txstore.StreamStdout)
	if err != nil {
		art.Error = fmt.Sprintf("spawn: %v", err)
		return art
	}
	defer closeStream(stdout, logger)
	stderr, err := openStream(dir, txstore.StreamStderr)
	if err != nil {
		art.Error = fmt.Sprintf("spawn: %v", err)
		return art
	}
	defer closeStream(stderr, logger)

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdin = bytes.NewReader(req.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Background children may hold the stdin pipe open after the action exits.
	cmd.WaitDelay = stdinWaitDelay

	// Subscribe before Start so a signal arriving in between is not lost.
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigc)

	if err := cmd.Start(); err != nil {
		art.Error = fmt.Sprintf("spawn: %v", err)
		return art
	}
	logger.Info("action started", "pid", cmd.Process.Pid, "command", req.Command)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigc:
				logger.Info("forwarding signal", "signal", sig.String())
				_ = cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	art.ExitCode, art.Signal = exitStatus(cmd.ProcessState)
	if waitErr != nil && cmd.ProcessState == nil {
		art.Error = fmt.Sprintf("wait: %v", waitErr)
	}
	return art
}

func exitStatus(ps *os.ProcessState) (int, string) {
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, unix.SignalName(ws.Signal())
	}
	return ps.ExitCode(), ""
}

func openStream(dir spool.Dir, s txstore.Stream) (*os.File, error) {
	f, err := os.OpenFile(dir.StreamPath(s), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s, err)
	}
	return f, nil
}

func closeStream(f *os.File, logger *slog.Logger) {
	if err := f.Sync(); err != nil {
		logger.Warn("sync output", "file", f.Name(), "error", err)
	}
	if err := f.Close(); err != nil {
		logger.Warn("close output", "file", f.Name(), "error", err)
	}
}

func finish(dir spool.Dir, art *spool.Artifact) error {
	var err error
	if art.StdoutBLAKE3, art.StdoutBytes, err = dir.Digest(txstore.StreamStdout); err != nil {
		return err
	}
	if art.StderrBLAKE3, art.StderrBytes, err = dir.Digest(txstore.StreamStderr); err != nil {
		return err
	}
	art.FinishedAt = time.Now().UTC()
	return dir.WriteArtifact(*art)
}
