package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/nugget/steward/examples"
	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/users"
)

// SourceCLI tags events routed with the dispatch subcommand.
const SourceCLI = "cli"

// runInit writes a starter config and data directory. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Steward workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", dbDir)

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left alone)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set STEWARD_SECRET_KEY, edit config.yaml, then add a user:")
	fmt.Fprintln(w, "  steward user add advisor@example.com \"Ada Advisor\"")
	return nil
}

func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// runAsk runs one chat turn against the configured model and providers.
// Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, message string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, configuredLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.loop.Turn(ctx, agent.TurnRequest{UserID: opts.userID, Message: message})
	if err != nil && !errors.Is(err, agent.ErrTurnFailed) {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.outputFmt == "json" {
		if werr := writeJSON(stdout, res); werr != nil {
			return werr
		}
		return err
	}
	fmt.Fprintln(stdout, res.Response)
	if res.PendingTaskID != "" {
		fmt.Fprintf(stdout, "\n(waiting for a reply: task %s)\n", res.PendingTaskID)
	}
	fmt.Fprintf(stdout, "(session %s)\n", res.SessionID)
	return err
}

// runDispatch routes one JSON event file through the dispatcher, as if
// it had arrived by webhook. -user overrides the file's user_id.
func runDispatch(ctx context.Context, stdout, stderr io.Writer, opts options, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ev dispatch.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if opts.userID != "" {
		ev.UserID = opts.userID
	}
	if ev.Source == "" {
		ev.Source = SourceCLI
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, configuredLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, out)
	}
	fmt.Fprintf(stdout, "status: %s\n", out.Status)
	if out.TaskID != "" {
		fmt.Fprintf(stdout, "task:   %s (%s)\n", out.TaskID, out.Tool)
	}
	if out.Result != "" {
		fmt.Fprintf(stdout, "result: %s\n", out.Result)
	}
	for _, f := range out.Fired {
		fmt.Fprintf(stdout, "fired:  %s %v", f.InstructionID, f.Tools)
		if f.Error != "" {
			fmt.Fprintf(stdout, " error=%s", f.Error)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runUser manages users and their provider credentials. It only opens
// the database; no providers are contacted.
func runUser(_ context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	usage := errors.New("usage: steward user add <email> [name] | list | connect <user-id> <google|hubspot> <account> <token>")
	if len(args) == 0 {
		return usage
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := users.NewStore(db, cfg.Secrets.Key)
	if err != nil {
		return err
	}

	switch args[0] {
	case "add":
		if len(args) < 2 || len(args) > 3 {
			return usage
		}
		name := ""
		if len(args) == 3 {
			name = args[2]
		}
		u, err := store.Create(args[1], name)
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			return writeJSON(stdout, u)
		}
		fmt.Fprintln(stdout, u.ID)
		return nil

	case "list":
		list, err := store.List()
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			return writeJSON(stdout, list)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tEMAIL\tNAME")
		for _, u := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ID, u.Email, u.Name)
		}
		return tw.Flush()

	case "connect":
		if len(args) != 5 {
			return usage
		}
		provider := args[2]
		if provider != users.ProviderGoogle && provider != users.ProviderHubSpot {
			return fmt.Errorf("unknown provider %q (expected %s or %s)", provider, users.ProviderGoogle, users.ProviderHubSpot)
		}
		if _, err := store.Get(args[1]); err != nil {
			return err
		}
		if err := store.SetCredential(users.Credential{
			UserID:      args[1],
			Provider:    provider,
			Account:     args[3],
			AccessToken: args[4],
		}); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "%s connected for %s\n", provider, args[1])
		return nil
	}
	return usage
}
