package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hostprov/hostprov/internal/buildinfo"
)

const usageText = `hostprov provisions a Node.js web application onto one Linux host over SSH.

Usage:
  hostprov --version
  hostprov [--config PATH] [--json] [--deadline DURATION] [--log-level LEVEL] deploy [--expose] [--reset-data] [--force-unlock] [--dry-run]
  hostprov [--config PATH] [--json] [--deadline DURATION] [--log-level LEVEL] expose [--force-unlock]
  hostprov [--config PATH] [--json] [--deadline DURATION] [--log-level LEVEL] diagnose [--run-seconds N] [--journal-lines N]
  hostprov [--config PATH] [--json] history [--limit N] [RUN_ID]
  hostprov version

Global Flags:
  --config PATH   Path to config.yaml (default ~/.config/hostprov/config.yaml)
  --json          Output json
  --deadline      Overall run deadline (e.g. 15m); 0 disables it
  --log-level     debug, info, warn or error (default info)

Credentials are never read from flags. Set HOSTPROV_SSH_PASSWORD,
HOSTPROV_SSH_KEY_PASSPHRASE, HOSTPROV_BOT_TOKEN and HOSTPROV_TUNNEL_AUTHTOKEN,
or point secrets.bundle at an age or sops encrypted bundle.
`

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2

	defaultDeadline     = 30 * time.Minute
	jsonFlagDescription = "output json"
)

type globalOptions struct {
	configPath  string
	jsonOutput  bool
	showVersion bool
	deadline    time.Duration
	logLevel    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr})
	stop()
	os.Exit(code)
}

// streams are the process's standard streams, replaced in tests.
type streams struct {
	in  *os.File
	out io.Writer
	err io.Writer
}

func run(ctx context.Context, args []string, std streams) int {
	opts, rest, err := parseGlobal(args)
	if err != nil {
		fmt.Fprintln(std.err, err)
		printUsage(std.err)
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintln(std.out, buildinfo.String())
		return exitOK
	}
	if len(rest) == 0 || isHelpToken(rest[0]) {
		printUsage(std.out)
		return exitOK
	}
	if opts.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.deadline)
		defer cancel()
	}

	app := &cli{opts: opts, std: std}
	err = dispatch(ctx, app, rest)
	if err == nil || errors.Is(err, errHelp) {
		return exitOK
	}
	msg, next, hints := describeError(err)
	msg, next, hints = app.scrub(msg, next, hints)
	printError(std.err, msg, next, hints)
	var usage *usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	return exitFailure
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	opts := globalOptions{}
	fs := flag.NewFlagSet("hostprov", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", "", "path to config.yaml")
	fs.BoolVar(&opts.jsonOutput, "json", false, jsonFlagDescription)
	fs.DurationVar(&opts.deadline, "deadline", defaultDeadline, "overall run deadline (e.g. 15m)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if opts.deadline < 0 {
		return opts, nil, fmt.Errorf("--deadline must not be negative")
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, app *cli, args []string) error {
	switch args[0] {
	case "deploy":
		return runDeployCommand(ctx, app, args[1:])
	case "expose":
		return runExposeCommand(ctx, app, args[1:])
	case "diagnose":
		return runDiagnoseCommand(ctx, app, args[1:])
	case "history":
		return runHistoryCommand(ctx, app, args[1:])
	case "version":
		return runVersionCommand(app, args[1:])
	default:
		printUsage(app.std.err)
		return newUsageError(fmt.Errorf("unknown command %q", args[0]))
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, usageText)
}

func printDeployUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: hostprov deploy [--expose] [--reset-data] [--force-unlock] [--dry-run]")
	fmt.Fprintln(w, "Note: --reset-data overwrites the existing data store with the seed.")
}

func printExposeUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: hostprov expose [--force-unlock]")
}

func printDiagnoseUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: hostprov diagnose [--run-seconds N] [--journal-lines N]")
	fmt.Fprintln(w, "Note: the timed run starts the build in the foreground and always stops it with SIGTERM.")
}

func printHistoryUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: hostprov history [--limit N] [RUN_ID]")
}

func isHelpToken(value string) bool {
	switch strings.TrimSpace(value) {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}
