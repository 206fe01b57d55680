package txstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// Terminal reports whether s is a final state. Output is frozen once terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusUnknown:
		return true
	}
	return false
}

// Stream names one of the captured output streams.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Streams lists the captured streams in a stable order.
var Streams = []Stream{StreamStdout, StreamStderr}

var (
	// ErrDuplicateTransaction means an id was allocated twice. It is an internal
	// consistency failure and never a caller error.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrTransactionNotFound  = errors.New("transaction not found")
	// ErrNotWriter is returned when the caller does not own the transaction's output.
	ErrNotWriter = errors.New("not the transaction writer")
	// ErrNotRunning is returned for writes against a transaction whose output is frozen.
	ErrNotRunning        = errors.New("transaction is not running")
	ErrOutputGap         = errors.New("output append leaves a gap")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Descriptor is the requested action. The store keeps it verbatim.
type Descriptor struct {
	Module string          `json:"module"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// ProcessHandle identifies the OS process backing a transaction. StartTime
// guards against pid reuse.
type ProcessHandle struct {
	PID       int    `json:"pid"`
	StartTime uint64 `json:"start_time"`
}

// Token is the capability token a runner must present to take over writes.
func (h ProcessHandle) Token() string {
	return fmt.Sprintf("%d:%d", h.PID, h.StartTime)
}

// Transaction is the durable record of one tracked action.
type Transaction struct {
	ID         string
	Status     Status
	Descriptor Descriptor
	Process    *ProcessHandle
	WriterID   string
	ExitCode   *int
	Signal     string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Output is the captured output of a transaction, each stream in production order.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Offset returns the end offset of stream, which is where the next append starts.
func (o Output) Offset(s Stream) int64 {
	switch s {
	case StreamStdout:
		return int64(len(o.Stdout))
	case StreamStderr:
		return int64(len(o.Stderr))
	}
	return 0
}

// Snapshot pairs a transaction with its output read in the same database transaction.
type Snapshot struct {
	Transaction
	Output Output
}

// CreateRequest is the input for Create.
type CreateRequest struct {
	ID         string
	Descriptor Descriptor
}

// StatusUpdate is the input for SetStatus. When WriterID is set the update only
// applies if it matches the current writer.
type StatusUpdate struct {
	ID       string
	WriterID string
	Status   Status
	ExitCode *int
	Signal   string
	Error    string
}
