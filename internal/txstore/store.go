package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// Create inserts a new Running transaction with empty output. The commit is
// durable before Create returns.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, fmt.Errorf("transaction id is empty")
	}
	params := req.Descriptor.Params
	if len(params) == 0 {
		params = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE id = ?;`, req.ID).Scan(&exists)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, req.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check transaction %s: %w", req.ID, err)
	}

	now := s.stamp()
	_, err = tx.ExecContext(ctx, `
INSERT INTO transactions(id, status, module, action, params, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, req.ID, string(StatusRunning), req.Descriptor.Module, req.Descriptor.Action, string(params), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	t, err := getTx(ctx, tx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return t, nil
}

// SetProcess records the handle of a freshly spawned process and makes writerID
// the owner of the transaction's output. It fails if a handle is already recorded.
func (s *Store) SetProcess(ctx context.Context, id string, h ProcessHandle, writerID string) error {
	return s.claim(ctx, id, h, writerID, false)
}

// ClaimWriter transfers output ownership to writerID. The caller must present the
// handle it verified against the OS; the claim succeeds only if it matches the
// recorded one, or if none was recorded. A claimed Unknown transaction returns
// to Running.
func (s *Store) ClaimWriter(ctx context.Context, id string, h ProcessHandle, writerID string) error {
	return s.claim(ctx, id, h, writerID, true)
}

func (s *Store) claim(ctx context.Context, id string, h ProcessHandle, writerID string, takeover bool) error {
	if writerID == "" {
		return fmt.Errorf("writer id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status Status
		token  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, process_token FROM transactions WHERE id = ?;`, id).Scan(&status, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("read transaction %s: %w", id, err)
	}

	if status.Terminal() {
		return ErrNotRunning
	}
	if !takeover && status != StatusRunning {
		return ErrNotRunning
	}
	if token.Valid && (!takeover || token.String != h.Token()) {
		return ErrNotWriter
	}

	_, err = tx.ExecContext(ctx, `
UPDATE transactions
SET status = ?, process_pid = ?, process_start = ?, process_token = ?, writer_id = ?, updated_at = ?
WHERE id = ?;
`, string(StatusRunning), h.PID, int64(h.StartTime), h.Token(), writerID, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AppendOutput appends chunk to stream at offset and returns the new end offset.
//
// Only the current writer of a Running transaction may append. Replays are safe:
// bytes already stored at or after offset are skipped, so at-least-once retries
// never duplicate output. An offset past the current end is rejected.
func (s *Store) AppendOutput(ctx context.Context, id, writerID string, stream Stream, offset int64, chunk []byte) (int64, error) {
	if stream != StreamStdout && stream != StreamStderr {
		return 0, fmt.Errorf("unknown stream %q", stream)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status Status
		writer sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, writer_id FROM transactions WHERE id = ?;`, id).Scan(&status, &writer)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTransactionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read transaction %s: %w", id, err)
	}
	if status != StatusRunning {
		return 0, ErrNotRunning
	}
	if !writer.Valid || writer.String != writerID {
		return 0, ErrNotWriter
	}

	var end int64
	err = tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(byte_offset + length(chunk)), 0)
FROM transaction_output
WHERE transaction_id = ? AND stream = ?;
`, id, string(stream)).Scan(&end)
	if err != nil {
		return 0, fmt.Errorf("read output end: %w", err)
	}

	if offset > end {
		return end, fmt.Errorf("%w: %s at %d, stored end %d", ErrOutputGap, stream, offset, end)
	}
	if offset < end {
		skip := end - offset
		if skip >= int64(len(chunk)) {
			return end, nil
		}
		chunk = chunk[skip:]
		offset = end
	}
	if len(chunk) == 0 {
		return end, nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO transaction_output(transaction_id, stream, byte_offset, chunk, created_at)
VALUES(?, ?, ?, ?, ?);
`, id, string(stream), offset, chunk, s.stamp())
	if err != nil {
		return end, fmt.Errorf("insert output: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return end, fmt.Errorf("commit tx: %w", err)
	}
	return offset + int64(len(chunk)), nil
}

// SetStatus applies a status transition and reports whether anything changed.
//
// Transitions are monotonic: Running may become Unknown or terminal, Unknown may
// become terminal, and updates against a terminal transaction are ignored so
// retries are harmless. Running is never set here; see ClaimWriter.
func (s *Store) SetStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	if !u.Status.valid() || u.Status == StatusRunning {
		return false, fmt.Errorf("%w: to %q", ErrInvalidTransition, u.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current Status
		writer  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, writer_id FROM transactions WHERE id = ?;`, u.ID).Scan(&current, &writer)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTransactionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read transaction %s: %w", u.ID, err)
	}

	if current.Terminal() || current == u.Status {
		return false, nil
	}
	if u.WriterID != "" && (!writer.Valid || writer.String != u.WriterID) {
		return false, ErrNotWriter
	}

	now := s.stamp()
	var exitCode any
	if u.ExitCode != nil {
		exitCode = *u.ExitCode
	}

	if u.Status.Terminal() {
		_, err = tx.ExecContext(ctx, `
UPDATE transactions
SET status = ?, exit_code = ?, signal = ?, last_error = ?,
    process_pid = NULL, process_start = NULL, process_token = NULL, writer_id = NULL,
    updated_at = ?, resolved_at = ?
WHERE id = ?;
`, string(u.Status), exitCode, nullIfEmpty(u.Signal), nullIfEmpty(u.Error), now, now, u.ID)
	} else {
		// Unknown keeps the process handle so later reconciliation can re-check it.
		_, err = tx.ExecContext(ctx, `
UPDATE transactions
SET status = ?, last_error = ?, writer_id = NULL, updated_at = ?
WHERE id = ?;
`, string(u.Status), nullIfEmpty(u.Error), now, u.ID)
	}
	if err != nil {
		return false, fmt.Errorf("update transaction %s: %w", u.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// Get returns the transaction record without output.
func (s *Store) Get(ctx context.Context, id string) (*Transaction, error) {
	return getTx(ctx, s.db, id)
}

// Output returns everything captured for id so far.
func (s *Store) Output(ctx context.Context, id string) (Output, error) {
	return outputTx(ctx, s.db, id)
}

// EndOffsets returns the stored end offset of each stream, without reading output.
func (s *Store) EndOffsets(ctx context.Context, id string) (map[Stream]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stream, COALESCE(MAX(byte_offset + length(chunk)), 0)
FROM transaction_output
WHERE transaction_id = ?
GROUP BY stream;
`, id)
	if err != nil {
		return nil, fmt.Errorf("read output offsets %s: %w", id, err)
	}
	defer rows.Close()

	out := map[Stream]int64{StreamStdout: 0, StreamStderr: 0}
	for rows.Next() {
		var (
			stream Stream
			end    int64
		)
		if err := rows.Scan(&stream, &end); err != nil {
			return nil, fmt.Errorf("scan output offset: %w", err)
		}
		out[stream] = end
	}
	return out, rows.Err()
}

// Snapshot returns the transaction and its output from one consistent read.
func (s *Store) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	out, err := outputTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Transaction: *t, Output: out}, nil
}

// ListAll returns every stored transaction, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]Transaction, error) {
	return s.list(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY created_at ASC, id ASC;`)
}

// ListByStatus returns transactions in any of the given states, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.list(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC;`, args...)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of stored transactions per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transactions GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// PurgeResolved deletes terminal transactions resolved before cutoff and returns
// their ids.
func (s *Store) PurgeResolved(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM transactions
WHERE status IN (?, ?) AND resolved_at IS NOT NULL AND resolved_at < ?
ORDER BY resolved_at ASC;
`, string(StatusCompleted), string(StatusFailed), cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("select purgeable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan purgeable: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purgeable: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transaction_output WHERE transaction_id = ?;`, id); err != nil {
			return nil, fmt.Errorf("delete output %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?;`, id); err != nil {
			return nil, fmt.Errorf("delete transaction %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return ids, nil
}

const transactionColumns = `id, status, module, action, params, process_pid, process_start, writer_id,
  exit_code, signal, last_error, created_at, updated_at, resolved_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func getTx(ctx context.Context, q queryer, id string) (*Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?;`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func outputTx(ctx context.Context, q queryer, id string) (Output, error) {
	rows, err := q.QueryContext(ctx, `
SELECT stream, chunk FROM transaction_output
WHERE transaction_id = ?
ORDER BY stream ASC, byte_offset ASC;
`, id)
	if err != nil {
		return Output{}, fmt.Errorf("read output %s: %w", id, err)
	}
	defer rows.Close()

	var out Output
	for rows.Next() {
		var (
			stream Stream
			chunk  []byte
		)
		if err := rows.Scan(&stream, &chunk); err != nil {
			return Output{}, fmt.Errorf("scan output: %w", err)
		}
		switch stream {
		case StreamStdout:
			out.Stdout = append(out.Stdout, chunk...)
		case StreamStderr:
			out.Stderr = append(out.Stderr, chunk...)
		}
	}
	if err := rows.Err(); err != nil {
		return Output{}, fmt.Errorf("iterate output: %w", err)
	}
	return out, nil
}

func scanTransaction(sc scanner) (*Transaction, error) {
	var (
		t          Transaction
		params     string
		pid        sql.NullInt64
		start      sql.NullInt64
		writer     sql.NullString
		exitCode   sql.NullInt64
		signal     sql.NullString
		lastError  sql.NullString
		createdAt  string
		updatedAt  string
		resolvedAt sql.NullString
	)
	if err := sc.Scan(
		&t.ID, &t.Status, &t.Descriptor.Module, &t.Descriptor.Action, &params,
		&pid, &start, &writer, &exitCode, &signal, &lastError,
		&createdAt, &updatedAt, &resolvedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Descriptor.Params = []byte(params)
	if pid.Valid {
		t.Process = &ProcessHandle{PID: int(pid.Int64), StartTime: uint64(start.Int64)}
	}
	if writer.Valid {
		t.WriterID = writer.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	t.Signal = signal.String
	t.Error = lastError.String

	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if resolvedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		t.ResolvedAt = &ts
	}
	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
