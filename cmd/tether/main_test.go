package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/tether/internal/storage"
	"github.com/mattjoyce/tether/internal/txstore"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

const testManifest = `name: echo
version: 1.0.0
entrypoint: run.sh
actions:
  - name: say
    input:
      message: string
`

// writeWorkspace lays out a config dir with one module and returns the config path.
func writeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	modDir := filepath.Join(dir, "modules", "echo")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir modules: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "manifest.yaml"), []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "run.sh"), []byte("#!/bin/sh\ncat\n"), 0o755); err != nil {
		t.Fatalf("write entrypoint: %v", err)
	}

	cfg := `agent:
  name: cli-test
  state_path: ./data/tether.db
modules_dir: ./modules
api:
  enabled: true
  auth:
    api_key: secret
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// seedStore records one completed and one running transaction.
func seedStore(t *testing.T, configPath string) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(filepath.Dir(configPath), "data", "tether.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	store := txstore.New(db)

	desc := txstore.Descriptor{Module: "echo", Action: "say", Params: json.RawMessage(`{"message":"hi"}`)}
	if _, err := store.Create(ctx, txstore.CreateRequest{ID: "tx-done", Descriptor: desc}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.SetProcess(ctx, "tx-done", txstore.ProcessHandle{PID: 4242, StartTime: 1}, "w1"); err != nil {
		t.Fatalf("SetProcess: %v", err)
	}
	if _, err := store.AppendOutput(ctx, "tx-done", "w1", txstore.StreamStdout, 0, []byte("hi\n")); err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}
	zero := 0
	if _, err := store.SetStatus(ctx, txstore.StatusUpdate{ID: "tx-done", WriterID: "w1", Status: txstore.StatusCompleted, ExitCode: &zero}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if _, err := store.Create(ctx, txstore.CreateRequest{ID: "tx-live", Descriptor: desc}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestRunCLINoArgsPrintsUsage(t *testing.T) {
	code, stdout, _ := runCaptured(t)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "tether <noun> <action>") {
		t.Fatalf("usage missing from stdout: %q", stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := runCaptured(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	code, stdout, stderr := runCaptured(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v (%q)", err, stdout)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestNounHelpTokens(t *testing.T) {
	for _, noun := range []string{"system", "transaction", "module", "config"} {
		for _, token := range []string{"help", "--help", "-h"} {
			code, stdout, _ := runCaptured(t, noun, token)
			if code != 0 {
				t.Fatalf("%s %s: exit code = %d", noun, token, code)
			}
			if !strings.Contains(stdout, "Usage: tether "+noun) {
				t.Fatalf("%s %s: stdout = %q", noun, token, stdout)
			}
		}
	}
}

func TestNounActionHelpFlag(t *testing.T) {
	code, stdout, _ := runCaptured(t, "transaction", "query", "--help")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "Usage: tether transaction query") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestNounUnknownAction(t *testing.T) {
	code, _, stderr := runCaptured(t, "module", "explode")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown module action: explode") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestConfigCheckReportsModules(t *testing.T) {
	path := writeWorkspace(t)
	code, stdout, stderr := runCaptured(t, "config", "check", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "Modules discovered: 1") {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "not locked") {
		t.Fatalf("expected unlocked warning, stdout = %q", stdout)
	}
}

func TestConfigCheckRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  log_level: chatty\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	code, _, stderr := runCaptured(t, "config", "check", "--config", path)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Configuration invalid") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestConfigShowDotPath(t *testing.T) {
	path := writeWorkspace(t)
	code, stdout, stderr := runCaptured(t, "config", "show", "--config", path, "agent.name")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if strings.TrimSpace(stdout) != "cli-test" {
		t.Fatalf("stdout = %q, want cli-test", stdout)
	}
}

func TestConfigLockThenCheckIsClean(t *testing.T) {
	path := writeWorkspace(t)
	code, stdout, stderr := runCaptured(t, "config", "lock", "--config", path)
	if code != 0 {
		t.Fatalf("lock exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "locked config.yaml blake3:") {
		t.Fatalf("lock stdout = %q", stdout)
	}

	code, stdout, stderr = runCaptured(t, "config", "check", "--config", path)
	if code != 0 {
		t.Fatalf("check exit code = %d, stderr = %q", code, stderr)
	}
	if strings.Contains(stdout, "not locked") {
		t.Fatalf("unexpected unlocked warning: %q", stdout)
	}

	if err := os.WriteFile(path, []byte("agent:\n  name: tampered\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	code, _, _ = runCaptured(t, "config", "check", "--config", path)
	if code != 1 {
		t.Fatalf("check after tamper exit code = %d, want 1", code)
	}
}

func TestModuleListJSON(t *testing.T) {
	path := writeWorkspace(t)
	code, stdout, stderr := runCaptured(t, "module", "list", "--config", path, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	var mods []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(stdout), &mods); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, stdout)
	}
	if len(mods) != 1 || mods[0].Name != "echo" || mods[0].Version != "1.0.0" {
		t.Fatalf("modules = %+v", mods)
	}
}

func TestTransactionQueryCompleted(t *testing.T) {
	path := writeWorkspace(t)
	seedStore(t, path)

	code, stdout, stderr := runCaptured(t, "transaction", "query", "--config", path, "--json", "tx-done")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	var res struct {
		Status   string `json:"status"`
		Stdout   string `json:"stdout"`
		ExitCode *int   `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, stdout)
	}
	if res.Status != "completed" || res.Stdout != "hi\n" || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestTransactionQueryText(t *testing.T) {
	path := writeWorkspace(t)
	seedStore(t, path)

	code, stdout, stderr := runCaptured(t, "tx", "query", "--config", path, "tx-done")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	for _, want := range []string{"status:      completed", "exit_code:   0", "--- stdout ---\nhi\n"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestTransactionQueryUnknown(t *testing.T) {
	path := writeWorkspace(t)
	seedStore(t, path)

	code, _, stderr := runCaptured(t, "transaction", "query", "--config", path, "nope")
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr, "Unknown transaction: nope") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestTransactionListFiltersByStatus(t *testing.T) {
	path := writeWorkspace(t)
	seedStore(t, path)

	code, stdout, stderr := runCaptured(t, "transaction", "list", "--config", path, "--status", "running", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	var resp struct {
		Transactions []struct {
			TransactionID string `json:"transaction_id"`
			Status        string `json:"status"`
		} `json:"transactions"`
	}
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, stdout)
	}
	if len(resp.Transactions) != 1 || resp.Transactions[0].TransactionID != "tx-live" {
		t.Fatalf("transactions = %+v", resp.Transactions)
	}
}

func TestTransactionListTable(t *testing.T) {
	path := writeWorkspace(t)
	seedStore(t, path)

	code, stdout, stderr := runCaptured(t, "transaction", "list", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	for _, want := range []string{"ID", "tx-done", "tx-live", "echo/say"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("table missing %q:\n%s", want, stdout)
		}
	}
}

func TestTransactionSubmitRejectsBadParams(t *testing.T) {
	code, _, stderr := runCaptured(t, "transaction", "submit", "--api-url", "http://127.0.0.1:1", "echo", "say", "{not json")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "not valid JSON") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestSystemStatusWhenStopped(t *testing.T) {
	path := writeWorkspace(t)
	seedStore(t, path)

	code, stdout, stderr := runCaptured(t, "system", "status", "--config", path, "--json")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1 (agent stopped), stderr = %q", code, stderr)
	}
	var st systemStatus
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, stdout)
	}
	if st.Running {
		t.Fatal("expected agent to be reported stopped")
	}
	if st.Counts[txstore.StatusCompleted] != 1 || st.Counts[txstore.StatusRunning] != 1 {
		t.Fatalf("counts = %+v", st.Counts)
	}
}

func TestTaskRequiresWrap(t *testing.T) {
	code, _, stderr := runCaptured(t, "task", "other")
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr, "tether task wrap") {
		t.Fatalf("stderr = %q", stderr)
	}
}
