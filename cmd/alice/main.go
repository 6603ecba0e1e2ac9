// Alice is a context-aware voice assistant that helps its user keep good
// habits and break bad ones.
//
// Each dialog turn listens, transcribes, snapshots the user's situation
// (location, activity, mood, time), merges it with recent conversation and
// habit suggestions into a prompt for a local language model, and speaks
// the reply. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	alice serve                       Run the API, digest scheduler, MQTT and (audio mode) voice loop
//	alice chat                        Talk to Alice in the terminal
//	alice ask <text>                  Run a single dialog turn
//	alice track <habit> [flags]       Record a habit entry
//	alice bad-habit <name> <trigger>  Register a bad habit and its triggers
//	alice habits                      List tracked habits
//	alice suggest                     Preview pending suggestions
//	alice init [dir]                  Initialize a working directory with defaults
//	alice version                     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata" // IANA zones for habit day boundaries on minimal hosts

	"github.com/nugget/alice/internal/buildinfo"
	"github.com/nugget/alice/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are the flags accepted before the subcommand.
type globalFlags struct {
	configPath string
	outputFmt  string
}

// run is the real entry point for the alice command. Arguments are
// parsed by hand so that tests can call run concurrently without the
// flag package's global state.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var flags globalFlags
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			flags.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			flags.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			flags.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			flags.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			flags.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if flags.outputFmt == "" {
		flags.outputFmt = "text"
	}
	if flags.outputFmt != "text" && flags.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", flags.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdin, stdout, flags)
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, flags)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: alice ask <text>")
		}
		return runAsk(ctx, stdout, stderr, flags, strings.Join(cmdArgs, " "))
	case "track":
		return runTrack(ctx, stdout, stderr, flags, cmdArgs)
	case "bad-habit":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: alice bad-habit <name> <trigger> [trigger...]")
		}
		return runBadHabit(ctx, stdout, stderr, flags, cmdArgs[0], cmdArgs[1:])
	case "habits":
		return runHabits(ctx, stdout, stderr, flags)
	case "suggest":
		return runSuggest(ctx, stdout, stderr, flags)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, flags.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Alice - Context-Aware Voice Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: alice [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Run the API, digest scheduler, MQTT and voice loop")
	fmt.Fprintln(w, "  chat                         Talk to Alice in the terminal (or audio mode)")
	fmt.Fprintln(w, "  ask <text>                   Run a single dialog turn")
	fmt.Fprintln(w, "  track <habit> [flags]        Record a habit entry")
	fmt.Fprintln(w, "      -missed                  Record a miss instead of a completion")
	fmt.Fprintln(w, "      -at YYYY-MM-DD           Entry date (default: now)")
	fmt.Fprintln(w, "      -backfill                Allow an entry earlier than the latest day")
	fmt.Fprintln(w, "      -trigger <name>          Trigger that led to a bad habit")
	fmt.Fprintln(w, "  bad-habit <name> <trigger>.. Register a bad habit and its triggers")
	fmt.Fprintln(w, "  habits                       List tracked habits")
	fmt.Fprintln(w, "  suggest                      Preview pending suggestions")
	fmt.Fprintln(w, "  init [dir]                   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/alice/config.yaml, /etc/alice/config.yaml")
	return nil
}

// newLogger returns a logger at the configured level and format. Log
// level validity was checked by config.Validate.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig finds and loads the configuration file.
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

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
