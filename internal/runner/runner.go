// Package runner executes transactions and keeps their durable record current.
//
// An action runs under a detached wrapper process that writes its output into the
// transaction's spool directory. The runner tails those files into the store and
// finalizes the transaction from the wrapper's completion artifact. Nothing the
// action needs lives in the runner, so the agent can stop and a later runner can
// reattach to the same process.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/module"
	"github.com/mattjoyce/tether/internal/procid"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/txstore"
)

var (
	// ErrSpawn is recorded on transactions whose action could not be started.
	ErrSpawn = errors.New("action spawn failure")
	// ErrLost is recorded on transactions with neither a live process nor a
	// completion artifact.
	ErrLost = errors.New("lost transaction")
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultChunkSize    = 64 * 1024
)

// SpoolDirVar carries the spool directory into the action's environment.
const SpoolDirVar = "TETHER_SPOOL_DIR"

// Store is the subset of the transaction store the runner writes through.
type Store interface {
	Get(ctx context.Context, id string) (*txstore.Transaction, error)
	EndOffsets(ctx context.Context, id string) (map[txstore.Stream]int64, error)
	SetProcess(ctx context.Context, id string, h txstore.ProcessHandle, writerID string) error
	ClaimWriter(ctx context.Context, id string, h txstore.ProcessHandle, writerID string) error
	AppendOutput(ctx context.Context, id, writerID string, stream txstore.Stream, offset int64, chunk []byte) (int64, error)
	SetStatus(ctx context.Context, u txstore.StatusUpdate) (bool, error)
}

// Catalog resolves module names to executables.
type Catalog interface {
	Get(name string) (*module.Module, bool)
}

// Options configures a Runner. Store, Catalog and Spool are required.
type Options struct {
	Store   Store
	Catalog Catalog
	Spool   *spool.Manager
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// WrapperCommand starts the wrapper; "--spool DIR" is appended. Defaults to
	// the running executable with "task wrap".
	WrapperCommand []string
	// WrapperEnv is added to the wrapper's environment.
	WrapperEnv   []string
	PollInterval time.Duration
	ChunkSize    int
	// OnChange is called with the stored record after every status change made
	// by the runner.
	OnChange func(txstore.Transaction)
}

type Runner struct {
	store    Store
	catalog  Catalog
	spool    *spool.Manager
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	onChange func(txstore.Transaction)

	wrapper      []string
	wrapperEnv   []string
	pollInterval time.Duration
	chunkSize    int
	writerID     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// New builds a runner. Each runner has its own writer identity.
func New(opts Options) (*Runner, error) {
	if opts.Store == nil || opts.Catalog == nil || opts.Spool == nil {
		return nil, fmt.Errorf("runner requires a store, a module catalog and a spool manager")
	}
	wrapperCmd := opts.WrapperCommand
	if len(wrapperCmd) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable for wrapper: %w", err)
		}
		wrapperCmd = []string{exe, "task", "wrap"}
	}

	r := &Runner{
		store:        opts.Store,
		catalog:      opts.Catalog,
		spool:        opts.Spool,
		events:       opts.Events,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		onChange:     opts.OnChange,
		wrapper:      wrapperCmd,
		wrapperEnv:   opts.WrapperEnv,
		pollInterval: opts.PollInterval,
		chunkSize:    opts.ChunkSize,
		writerID:     uuid.NewString(),
		active:       make(map[string]struct{}),
	}
	if r.events == nil {
		r.events = events.Nop{}
	}
	if r.logger == nil {
		r.logger = log.WithComponent("runner")
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.chunkSize <= 0 {
		r.chunkSize = DefaultChunkSize
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// WriterID is this runner's writer identity.
func (r *Runner) WriterID() string { return r.writerID }

// Active returns the number of transactions this runner is supervising.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close stops supervision and waits for supervisors to return. Actions keep
// running and their transactions stay Running for the next runner.
func (r *Runner) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// Execute starts the action for a freshly created Running transaction and
// returns without waiting for it. Failures to start are recorded on the
// transaction as Failed.
func (r *Runner) Execute(ctx context.Context, tx *txstore.Transaction) error {
	logger := r.txLogger(tx)

	if !r.acquire(tx.ID) {
		return fmt.Errorf("transaction %s is already being supervised", tx.ID)
	}

	mod, ok := r.catalog.Get(tx.Descriptor.Module)
	if !ok {
		r.release(tx.ID)
		return r.failSpawn(ctx, tx, fmt.Errorf("module %q not found", tx.Descriptor.Module), logger)
	}

	dir, err := r.spool.Create(ctx, tx.ID)
	if err != nil {
		r.release(tx.ID)
		return r.failSpawn(ctx, tx, err, logger)
	}
	if err := r.writeRequest(dir, tx, mod); err != nil {
		r.release(tx.ID)
		return r.failSpawn(ctx, tx, err, logger)
	}

	cmd, err := r.startWrapper(dir)
	if err != nil {
		r.release(tx.ID)
		return r.failSpawn(ctx, tx, err, logger)
	}

	// Reap the wrapper as soon as it exits; exited doubles as the exit signal.
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	h := txstore.ProcessHandle{PID: cmd.Process.Pid}
	if info, err := procid.Lookup(h.PID); err == nil {
		h.StartTime = info.StartTime
	}
	if err := r.store.SetProcess(ctx, tx.ID, h, r.writerID); err != nil {
		// The wrapper keeps running; reconciliation adopts it via wrapper.pid.
		r.release(tx.ID)
		logger.Error("failed to record process handle", "pid", h.PID, "error", err)
		return fmt.Errorf("record process for %s: %w", tx.ID, err)
	}

	logger.Info("transaction started", "pid", h.PID, "writer_id", r.writerID)
	r.publish(events.TypeStarted, tx, txstore.StatusRunning, "")

	r.supervise(&supervision{
		tx:     *tx,
		dir:    dir,
		exited: exited,
		logger: logger,
	})
	return nil
}

func (r *Runner) writeRequest(dir spool.Dir, tx *txstore.Transaction, mod *module.Module) error {
	stdin, err := protocol.MarshalInput(&protocol.Input{
		Protocol:      protocol.Version,
		TransactionID: tx.ID,
		Module:        tx.Descriptor.Module,
		Action:        tx.Descriptor.Action,
		Params:        tx.Descriptor.Params,
		SpoolDir:      dir.Path,
		SubmittedAt:   tx.CreatedAt,
	})
	if err != nil {
		return err
	}
	return dir.WriteRequest(spool.Request{
		TransactionID: tx.ID,
		Command:       mod.Entrypoint,
		Args:          []string{tx.Descriptor.Action},
		Env: []string{
			procid.Marker(tx.ID),
			SpoolDirVar + "=" + dir.Path,
		},
		WorkDir: mod.Path,
		Stdin:   stdin,
	})
}

func (r *Runner) startWrapper(dir spool.Dir) (*exec.Cmd, error) {
	logFile, err := os.OpenFile(dir.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wrapper log: %w", err)
	}
	defer logFile.Close()

	args := append(append([]string{}, r.wrapper[1:]...), "--spool", dir.Path)
	cmd := exec.Command(r.wrapper[0], args...)
	cmd.Env = append(append(os.Environ(), r.wrapperEnv...), procid.Marker(dir.TransactionID))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// A new session keeps the action alive when the agent's process group is signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start wrapper: %w", err)
	}
	return cmd, nil
}

func (r *Runner) failSpawn(ctx context.Context, tx *txstore.Transaction, cause error, logger *slog.Logger) error {
	logger.Error("failed to start action", "error", cause)
	msg := fmt.Sprintf("%v: %v", ErrSpawn, cause)
	return r.resolve(ctx, tx, txstore.StatusUpdate{ID: tx.ID, Status: txstore.StatusFailed, Error: msg}, logger)
}

// resolve writes a status change and notifies observers when it took effect.
func (r *Runner) resolve(ctx context.Context, tx *txstore.Transaction, u txstore.StatusUpdate, logger *slog.Logger) error {
	changed, err := r.store.SetStatus(ctx, u)
	if err != nil {
		logger.Error("failed to record status", "status", u.Status, "error", err)
		return fmt.Errorf("set status of %s: %w", tx.ID, err)
	}
	if !changed {
		return nil
	}

	stored, err := r.store.Get(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", tx.ID, err)
	}

	eventType := events.TypeResolved
	if u.Status == txstore.StatusUnknown {
		eventType = events.TypeLost
		logger.Warn("transaction lost", "error", u.Error)
	} else {
		logger.Info("transaction resolved", "status", u.Status, "exit_code", deref(u.ExitCode), "signal", u.Signal, "error", u.Error)
	}

	var elapsed time.Duration
	if stored.ResolvedAt != nil {
		elapsed = stored.ResolvedAt.Sub(stored.CreatedAt)
	}
	r.metrics.Resolved(string(u.Status), elapsed)
	r.publish(eventType, tx, u.Status, u.Error)
	if r.onChange != nil {
		r.onChange(*stored)
	}
	return nil
}

func (r *Runner) publish(eventType string, tx *txstore.Transaction, st txstore.Status, errText string) {
	r.events.Publish(eventType, events.Transaction{
		TransactionID: tx.ID,
		Module:        tx.Descriptor.Module,
		Action:        tx.Descriptor.Action,
		Status:        string(st),
		Error:         errText,
	})
}

func (r *Runner) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[id]; busy {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

func (r *Runner) txLogger(tx *txstore.Transaction) *slog.Logger {
	return r.logger.With("transaction_id", tx.ID, "module", tx.Descriptor.Module, "action", tx.Descriptor.Action)
}

func deref(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
