package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// pragmas apply to every pooled connection. synchronous=FULL makes each commit
// durable before it returns.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := ValidateLocalFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers; conditional writes rely on it.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
  id             TEXT PRIMARY KEY,
  status         TEXT NOT NULL,
  module         TEXT NOT NULL,
  action         TEXT NOT NULL,
  params         JSON NOT NULL,
  process_pid    INTEGER,
  process_start  INTEGER,
  process_token  TEXT,
  writer_id      TEXT,
  exit_code      INTEGER,
  signal         TEXT,
  last_error     TEXT,
  created_at     TEXT NOT NULL,
  updated_at     TEXT NOT NULL,
  resolved_at    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS transaction_output (
  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
  transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
  stream         TEXT NOT NULL,
  byte_offset    INTEGER NOT NULL,
  chunk          BLOB NOT NULL,
  created_at     TEXT NOT NULL,
  UNIQUE (transaction_id, stream, byte_offset)
);`,
		`CREATE INDEX IF NOT EXISTS transactions_status_created_at_idx ON transactions(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS transactions_resolved_at_idx ON transactions(resolved_at);`,
		`CREATE INDEX IF NOT EXISTS transaction_output_tx_stream_idx ON transaction_output(transaction_id, stream, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
