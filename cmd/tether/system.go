package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/tether/internal/api"
	"github.com/mattjoyce/tether/internal/auth"
	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/dispatch"
	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/janitor"
	"github.com/mattjoyce/tether/internal/lock"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/module"
	"github.com/mattjoyce/tether/internal/registry"
	"github.com/mattjoyce/tether/internal/runner"
	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/status"
	"github.com/mattjoyce/tether/internal/storage"
	"github.com/mattjoyce/tether/internal/tui/watch"
	"github.com/mattjoyce/tether/internal/txstore"
)

const systemHelp = `Usage: tether system <action> [flags]

Actions:
  start    Start the agent in the foreground
  status   Show lock, database and transaction counts
  watch    Live transaction TUI
`

const systemStartHelp = "Usage: tether system start [--config PATH]\n"

const systemStatusHelp = "Usage: tether system status [--config PATH] [--json]\n\n" +
	"Exit code 0 when the agent holds its PID lock, 1 otherwise.\n"

const systemWatchHelp = "Usage: tether system watch [--api-url URL] [--api-key KEY]\n\n" +
	"The key defaults to $TETHER_API_KEY.\n"

func runSystemNoun(args []string) int {
	return runNoun("system", args, map[string]nounAction{
		"start":  {run: runStart, help: systemStartHelp},
		"status": {run: runSystemStatus, help: systemStatusHelp},
		"watch":  {run: runWatch, help: systemWatchHelp},
	}, systemHelp)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Agent.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("tether starting", "version", version, "config", cfg.SourcePath)

	for _, dir := range []string{filepath.Dir(cfg.Agent.StatePath), cfg.Agent.SpoolDir} {
		if err := storage.ValidateLocalFilesystem(dir); err != nil {
			logger.Error("state directory is not on a local filesystem", "path", dir, "error", err)
			return 1
		}
	}

	pidLock, err := lock.Acquire(cfg.Agent.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another agent may be running)", "path", cfg.Agent.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Agent.StatePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Agent.StatePath, "error", err)
		return 1
	}
	defer db.Close()
	store := txstore.New(db)

	catalog, err := module.Discover(cfg.ModuleRoots(), log.WithComponent("module"))
	if err != nil {
		logger.Error("module discovery failed", "roots", cfg.ModuleRoots(), "error", err)
		return 1
	}
	logger.Info("module discovery complete", "count", catalog.Len())

	spoolMgr, err := spool.NewManager(cfg.Agent.SpoolDir)
	if err != nil {
		logger.Error("failed to initialize spool", "path", cfg.Agent.SpoolDir, "error", err)
		return 1
	}

	hub := events.NewHub(256)
	m := metrics.New()
	reg := registry.New(log.WithComponent("registry"))

	run, err := runner.New(runner.Options{
		Store:        store,
		Catalog:      catalog,
		Spool:        spoolMgr,
		Events:       hub,
		Metrics:      m,
		Logger:       log.WithComponent("runner"),
		PollInterval: cfg.Agent.PollInterval,
		OnChange:     reg.Put,
	})
	if err != nil {
		logger.Error("failed to initialize runner", "error", err)
		return 1
	}
	// Close stops supervision only; detached actions keep running and are
	// reattached on the next start.
	defer run.Close()

	report, err := reg.Rebuild(ctx, store, run)
	if err != nil {
		logger.Error("failed to rebuild transaction registry", "error", err)
		return 1
	}
	logger.Info("registry ready", "total", report.Total, "reconciled", report.Reconciled, "errors", report.Errors)

	disp := dispatch.New(dispatch.Options{
		Store:     store,
		Validator: catalog,
		Launcher:  run,
		Registry:  reg,
		Events:    hub,
		Metrics:   m,
		Logger:    log.WithComponent("dispatch"),
	})

	jan := janitor.New(janitor.Options{
		Store:           store,
		Reconciler:      run,
		Spool:           spoolMgr,
		Registry:        reg,
		Logger:          log.WithComponent("janitor"),
		Retention:       cfg.Agent.Retention,
		PurgeInterval:   cfg.Agent.PurgeInterval,
		RecheckInterval: cfg.Agent.UnknownRecheck,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jan.Run(gctx) })

	if cfg.API.Enabled {
		srv := api.New(apiConfig(cfg), api.Deps{
			Submitter: disp,
			Querier:   status.New(reg, store),
			Registry:  reg,
			Modules:   catalog,
			Events:    hub,
			Metrics:   m.Handler(),
		}, log.WithComponent("api"))
		g.Go(func() error { return srv.Start(gctx) })
	}

	logger.Info("tether running (press Ctrl+C to stop)", "pid", os.Getpid())
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("tether stopped", "still_running", len(reg.ListByStatus(txstore.StatusRunning)))
	return 0
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

type systemStatus struct {
	Config   string                 `json:"config"`
	Running  bool                   `json:"running"`
	PID      int                    `json:"pid,omitempty"`
	PIDFile  string                 `json:"pid_file"`
	Database string                 `json:"database"`
	DBError  string                 `json:"db_error,omitempty"`
	Counts   map[txstore.Status]int `json:"counts,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
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

	st := systemStatus{Config: cfg.SourcePath, PIDFile: cfg.Agent.PIDFile, Database: cfg.Agent.StatePath}
	if held, err := lock.IsExecuting(cfg.Agent.PIDFile); err == nil && held {
		st.Running = true
		st.PID, _ = lock.ReadPID(cfg.Agent.PIDFile)
	}

	ctx := context.Background()
	if db, err := storage.OpenSQLite(ctx, cfg.Agent.StatePath); err != nil {
		st.DBError = err.Error()
	} else {
		st.Counts, err = txstore.New(db).CountByStatus(ctx)
		if err != nil {
			st.DBError = err.Error()
		}
		_ = db.Close()
	}

	exit := 0
	if !st.Running {
		exit = 1
	}
	if *jsonOut {
		if code := printJSON(st); code != 0 {
			return code
		}
		return exit
	}

	state := "stopped"
	if st.Running {
		state = fmt.Sprintf("running (pid %d)", st.PID)
	}
	fmt.Printf("agent:    %s\n", state)
	fmt.Printf("config:   %s\n", st.Config)
	if st.DBError != "" {
		fmt.Printf("database: %s (error: %s)\n", st.Database, st.DBError)
		return exit
	}
	fmt.Printf("database: %s\n", st.Database)
	for _, s := range []txstore.Status{txstore.StatusRunning, txstore.StatusUnknown, txstore.StatusCompleted, txstore.StatusFailed} {
		fmt.Printf("  %-10s %d\n", s, st.Counts[s])
	}
	return exit
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8088", "Agent API URL")
	apiKey := fs.String("api-key", os.Getenv("TETHER_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or TETHER_API_KEY env var.")
		return 1
	}

	if _, err := tea.NewProgram(watch.New(*apiURL, *apiKey)).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
