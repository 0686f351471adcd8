// Steward is an email, calendar and CRM assistant for client advisors.
//
// It runs a tool-using agent over chat, suspends scheduling workflows
// until the counterparty replies, and applies standing instructions to
// inbound events arriving by email, MQTT or webhook. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	steward serve                          Start the API server and background workers
//	steward init [dir]                     Write a starter config and data directory
//	steward ask -user <id> <message>       Run one chat turn
//	steward dispatch <event.json>          Route one event through the dispatcher
//	steward user add <email> [name]        Create a user
//	steward user list                      List users
//	steward user connect <id> <provider> <account> <token>
//	                                       Store a google or hubspot credential
//	steward version                        Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/config"
)

// main only wires the OS environment into run so the whole command
// surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // text or json
	userID     string
}

// run is the real entry point. Arguments are parsed by hand because
// the flag package's globals get in the way of calling run from
// parallel tests.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var (
		opts    options
		command string
		cmdArgs []string
	)

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-user" && i+1 < len(args):
			opts.userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			opts.userID = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if opts.userID == "" || len(cmdArgs) == 0 {
			return fmt.Errorf("usage: steward ask -user <id> <message>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "dispatch":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: steward dispatch <event.json>")
		}
		return runDispatch(ctx, stdout, stderr, opts, cmdArgs[0])
	case "user":
		return runUser(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Steward - email, calendar and CRM assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: steward [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server and background workers")
	fmt.Fprintln(w, "  init [dir]            Write a starter config (default: .)")
	fmt.Fprintln(w, "  ask <message>         Run one chat turn as -user")
	fmt.Fprintln(w, "  dispatch <file>       Route a JSON event through the dispatcher")
	fmt.Fprintln(w, "  user add|list|connect Manage users and provider credentials")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -user <id>        Acting user for ask and dispatch")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger creates a structured logger writing to w. Any format other
// than "json" is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger returns a logger at the config's level and format.
// Level names were checked by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}
