package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/tether/internal/api"
	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/module"
	"github.com/mattjoyce/tether/internal/status"
	"github.com/mattjoyce/tether/internal/storage"
	"github.com/mattjoyce/tether/internal/txstore"
	"github.com/mattjoyce/tether/internal/wrapper"
)

const transactionHelp = `Usage: tether transaction <action> [flags]

Actions:
  submit   Submit an action through the agent API
  query    Show status and output of one transaction
  list     List transactions from the store
`

const submitHelp = `Usage: tether transaction submit [--api-url URL] [--api-key KEY] MODULE ACTION [PARAMS_JSON]

PARAMS_JSON defaults to {}. The key defaults to $TETHER_API_KEY.
`

const queryHelp = "Usage: tether transaction query [--config PATH] [--json] ID\n\n" +
	"Reads the store directly, so it works while the agent is stopped.\n"

const listHelp = "Usage: tether transaction list [--config PATH] [--status STATUS] [--json]\n"

func runTransactionNoun(args []string) int {
	return runNoun("transaction", args, map[string]nounAction{
		"submit": {run: runTransactionSubmit, help: submitHelp},
		"query":  {run: runTransactionQuery, help: queryHelp},
		"list":   {run: runTransactionList, help: listHelp},
	}, transactionHelp)
}

func runTransactionSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config used to find the API address when --api-url is unset")
	apiURL := fs.String("api-url", "", "Agent API URL")
	apiKey := fs.String("api-key", os.Getenv("TETHER_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		fmt.Fprint(os.Stderr, submitHelp)
		return 1
	}

	params := json.RawMessage(`{}`)
	if fs.NArg() == 3 {
		params = json.RawMessage(fs.Arg(2))
		if !json.Valid(params) {
			fmt.Fprintln(os.Stderr, "PARAMS_JSON is not valid JSON")
			return 1
		}
	}

	base := *apiURL
	if base == "" {
		base = "http://127.0.0.1:8088"
		if cfg, err := loadConfig(*configPath); err == nil && cfg.API.Listen != "" {
			base = "http://" + cfg.API.Listen
		}
	}

	body, _ := json.Marshal(api.SubmitRequest{Module: fs.Arg(0), Action: fs.Arg(1), Params: params})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/transactions", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusAccepted {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			fmt.Fprintf(os.Stderr, "Submit rejected (%d): %s\n", resp.StatusCode, e.Error)
		} else {
			fmt.Fprintf(os.Stderr, "Submit rejected: %s\n", resp.Status)
		}
		return 1
	}
	fmt.Println(strings.TrimSpace(string(data)))
	return 0
}

// openStore opens the configured state database for read-side commands.
func openStore(ctx context.Context, configPath string) (*txstore.Store, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.Agent.StatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return txstore.New(db), func() { _ = db.Close() }, nil
}

func runTransactionQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprint(os.Stderr, queryHelp)
		return 1
	}

	ctx := context.Background()
	store, closeFn, err := openStore(ctx, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeFn()

	res, err := status.New(nil, store).Query(ctx, fs.Arg(0))
	if errors.Is(err, status.ErrUnknownTransaction) {
		fmt.Fprintf(os.Stderr, "Unknown transaction: %s\n", fs.Arg(0))
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(res)
	}
	printResult(os.Stdout, res)
	return 0
}

func printResult(w io.Writer, res status.Result) {
	fmt.Fprintf(w, "transaction: %s\n", res.TransactionID)
	fmt.Fprintf(w, "action:      %s/%s\n", res.Module, res.Action)
	fmt.Fprintf(w, "status:      %s\n", res.Status)
	if res.ExitCode != nil {
		fmt.Fprintf(w, "exit_code:   %d\n", *res.ExitCode)
	}
	if res.Signal != "" {
		fmt.Fprintf(w, "signal:      %s\n", res.Signal)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", res.Error)
	}
	if res.Partial {
		fmt.Fprintln(w, "output:      partial")
	}
	if res.Stdout != "" {
		fmt.Fprintf(w, "--- stdout ---\n%s", res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			fmt.Fprintln(w)
		}
	}
	if res.Stderr != "" {
		fmt.Fprintf(w, "--- stderr ---\n%s", res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			fmt.Fprintln(w)
		}
	}
}

func runTransactionList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	statusFilter := fs.String("status", "", "Only list transactions with this status")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	store, closeFn, err := openStore(ctx, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeFn()

	var txs []txstore.Transaction
	if *statusFilter != "" {
		txs, err = store.ListByStatus(ctx, txstore.Status(*statusFilter))
	} else {
		txs, err = store.ListAll(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	summaries := make([]api.TransactionSummary, 0, len(txs))
	for _, tx := range txs {
		summaries = append(summaries, api.TransactionSummary{
			TransactionID: tx.ID,
			Module:        tx.Descriptor.Module,
			Action:        tx.Descriptor.Action,
			Status:        tx.Status,
			ExitCode:      tx.ExitCode,
			Signal:        tx.Signal,
			Error:         tx.Error,
			CreatedAt:     tx.CreatedAt,
			UpdatedAt:     tx.UpdatedAt,
			ResolvedAt:    tx.ResolvedAt,
		})
	}
	if *jsonOut {
		return printJSON(api.TransactionListResponse{Transactions: summaries})
	}

	t := newTable("ID", "STATUS", "ACTION", "EXIT", "CREATED", "ERROR")
	for _, s := range summaries {
		exit := "-"
		switch {
		case s.Signal != "":
			exit = s.Signal
		case s.ExitCode != nil:
			exit = strconv.Itoa(*s.ExitCode)
		}
		t.Row(s.TransactionID, string(s.Status), s.Module+"/"+s.Action, exit, s.CreatedAt.Local().Format(time.DateTime), s.Error)
	}
	fmt.Println(t.Render())
	return 0
}

func newTable(headers ...string) *table.Table {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.HiddenBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
}

const moduleHelp = `Usage: tether module <action> [flags]

Actions:
  list     Show discovered modules and actions
`

func runModuleNoun(args []string) int {
	return runNoun("module", args, map[string]nounAction{
		"list": {run: runModuleList, help: "Usage: tether module list [--config PATH] [--json]\n"},
	}, moduleHelp)
}

func runModuleList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	catalog, err := module.Discover(cfg.ModuleRoots(), log.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Module discovery failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(catalog.All())
	}
	t := newTable("MODULE", "VERSION", "ACTIONS", "PATH")
	for _, m := range catalog.All() {
		t.Row(m.Name, m.Version, strings.Join(m.ActionNames(), ", "), m.Path)
	}
	fmt.Println(t.Render())
	return 0
}

const configHelp = `Usage: tether config <action> [flags]

Actions:
  check         Validate configuration and module discovery
  show [PATH]   Print resolved configuration, optionally one dot path
  lock          Pin config.yaml with a BLAKE3 checksum
`

func runConfigNoun(args []string) int {
	return runNoun("config", args, map[string]nounAction{
		"check": {run: runConfigCheck, help: "Usage: tether config check [--config PATH]\n"},
		"show":  {run: runConfigShow, help: "Usage: tether config show [--config PATH] [DOT.PATH]\n"},
		"lock":  {run: runConfigLock, help: "Usage: tether config lock [--config PATH]\n"},
	}, configHelp)
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	catalog, err := module.Discover(cfg.ModuleRoots(), log.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Module discovery failed: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration valid: %s\n", cfg.SourcePath)
	fmt.Printf("Modules discovered: %d\n", catalog.Len())
	if _, err := config.LoadChecksums(filepath.Dir(cfg.SourcePath)); errors.Is(err, os.ErrNotExist) {
		fmt.Println("Warning: config is not locked (run 'tether config lock')")
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: tether config show [--config PATH] [DOT.PATH]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	v, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	target := *configPath
	if target == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		target = discovered
	}
	manifest, err := config.Lock(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	for name, hash := range manifest.Hashes {
		fmt.Printf("locked %s blake3:%s\n", name, hash)
	}
	return 0
}

// runTaskNoun holds internal entry points invoked by the agent itself.
func runTaskNoun(args []string) int {
	if len(args) < 1 || args[0] != "wrap" {
		fmt.Fprintln(os.Stderr, "Usage: tether task wrap --spool DIR")
		return wrapper.ExitUsage
	}
	return wrapper.Run(args[1:], os.Stderr)
}
