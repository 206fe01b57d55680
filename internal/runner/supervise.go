package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/tether/internal/procid"
	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/txstore"
)

// supervision tracks one running action. Exactly one of exited or handle is set:
// exited for wrappers this runner started, handle for reattached processes.
type supervision struct {
	tx     txstore.Transaction
	dir    spool.Dir
	exited <-chan struct{}
	handle *txstore.ProcessHandle
	logger *slog.Logger
}

func (s *supervision) hasExited() bool {
	if s.exited != nil {
		select {
		case <-s.exited:
			return true
		default:
			return false
		}
	}
	return !procid.Verify(s.handle.PID, s.handle.StartTime, procid.Marker(s.tx.ID))
}

// supervise runs s in the background until the action exits, ownership is lost
// or the runner closes. The caller must have acquired s.tx.ID.
func (r *Runner) supervise(s *supervision) {
	r.wg.Add(1)
	r.metrics.SupervisionStarted()
	go func() {
		defer r.wg.Done()
		defer r.release(s.tx.ID)
		defer r.metrics.SupervisionEnded()
		r.run(r.ctx, s)
	}()
}

func (r *Runner) run(ctx context.Context, s *supervision) {
	offsets, err := r.store.EndOffsets(ctx, s.tx.ID)
	if err != nil {
		s.logger.Error("failed to read output offsets", "error", err)
		return
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		// Sample exit before draining so the drain sees everything written before exit.
		exited := s.hasExited()
		if err := r.drain(ctx, s, offsets); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, txstore.ErrNotWriter) || errors.Is(err, txstore.ErrNotRunning) {
				s.logger.Warn("stopped supervising, output owned elsewhere", "error", err)
				return
			}
			s.logger.Warn("output drain failed, retrying", "error", err)
		} else if exited {
			err := r.finalize(ctx, s, offsets)
			if err == nil || ctx.Err() != nil || errors.Is(err, txstore.ErrNotWriter) {
				return
			}
			s.logger.Error("failed to finalize transaction, retrying", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("supervision stopped, action left running")
			return
		case <-ticker.C:
		}
	}
}

// drain appends everything beyond offsets from the spool files to the store.
func (r *Runner) drain(ctx context.Context, s *supervision, offsets map[txstore.Stream]int64) error {
	buf := make([]byte, r.chunkSize)
	for _, stream := range txstore.Streams {
		if err := r.drainStream(ctx, s, stream, offsets, buf); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) drainStream(ctx context.Context, s *supervision, stream txstore.Stream, offsets map[txstore.Stream]int64, buf []byte) error {
	f, err := os.Open(s.dir.StreamPath(stream))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", stream, err)
	}
	defer f.Close()

	for {
		n, readErr := f.ReadAt(buf, offsets[stream])
		if n > 0 {
			end, err := r.store.AppendOutput(ctx, s.tx.ID, r.writerID, stream, offsets[stream], buf[:n])
			if err != nil {
				return fmt.Errorf("append %s: %w", stream, err)
			}
			r.metrics.OutputBytes(string(stream), int(end-offsets[stream]))
			offsets[stream] = end
		}
		if errors.Is(readErr, io.EOF) || n == 0 {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", stream, readErr)
		}
	}
}

func (r *Runner) finalize(ctx context.Context, s *supervision, offsets map[txstore.Stream]int64) error {
	u := decide(s.tx.ID, s.dir, offsets)
	u.WriterID = r.writerID
	return r.resolve(ctx, &s.tx, u, s.logger)
}
