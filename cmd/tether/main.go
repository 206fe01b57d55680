package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/tether/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "transaction", "tx":
		return runTransactionNoun(args)
	case "module":
		return runModuleNoun(args)
	case "task":
		return runTaskNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: tether version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Printf("tether %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`tether - durable, non-blocking execution of module actions

Usage:
  tether <noun> <action> [flags]

Resources (Nouns):
  system       Agent lifecycle and health
  transaction  Submitted actions and their output
  module       Installed modules
  config       Configuration and integrity

System Commands:
  system start          Start the agent in the foreground
  system status         Show lock, database and transaction counts
  system watch          Live transaction TUI

Transaction Commands:
  transaction submit    Submit an action through the API
  transaction query     Show status and output of one transaction
  transaction list      List transactions from the store

Module Commands:
  module list           Show discovered modules and actions

Config Commands:
  config check          Validate configuration and module discovery
  config show [path]    Print resolved configuration (dot path optional)
  config lock           Pin config.yaml with a BLAKE3 checksum

General:
  version               Show version information
  help                  Show this help message

Use 'tether <noun> help' for action-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// nounAction is one action under a noun.
type nounAction struct {
	run  func([]string) int
	help string
}

// runNoun dispatches args[0] to its action, handling help tokens the same way
// for every noun.
func runNoun(noun string, args []string, actions map[string]nounAction, help string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, help)
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Print(help)
		return 0
	}
	action, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		fmt.Print(action.help)
		return 0
	}
	return action.run(args[1:])
}

// loadConfig resolves --config, falling back to discovery.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
