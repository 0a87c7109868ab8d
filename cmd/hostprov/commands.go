package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path"
	"text/tabwriter"
	"time"

	"github.com/hostprov/hostprov/internal/buildinfo"
	"github.com/hostprov/hostprov/internal/diagnose"
	"github.com/hostprov/hostprov/internal/journal"
	"github.com/hostprov/hostprov/internal/metrics"
	"github.com/hostprov/hostprov/internal/pipeline"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, usage func(), help *bool) error {
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		usage()
		return newUsageError(err)
	}
	if help != nil && *help {
		usage()
		return errHelp
	}
	return nil
}

func noArgs(fs *flag.FlagSet, usage func()) error {
	if fs.NArg() == 0 {
		return nil
	}
	usage()
	return newUsageError(fmt.Errorf("unexpected argument %q", fs.Arg(0)))
}

func runDeployCommand(ctx context.Context, app *cli, args []string) error {
	fs := newFlagSet("deploy")
	var opts pipeline.Options
	var dryRun, help bool
	fs.BoolVar(&opts.Expose, "expose", false, "front the app with nginx and a public tunnel")
	fs.BoolVar(&opts.ResetData, "reset-data", false, "overwrite the data store with the seed")
	fs.BoolVar(&opts.ForceUnlock, "force-unlock", false, "clear a run lock left by another run")
	fs.BoolVar(&dryRun, "dry-run", false, "print the steps without connecting")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	usage := func() { printDeployUsage(app.std.out) }
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if err := noArgs(fs, usage); err != nil {
		return err
	}

	if dryRun {
		env, err := app.setup(ctx, credentialNeeds{})
		if err != nil {
			return err
		}
		defer env.close()
		p := &pipeline.Pipeline{Config: env.cfg}
		return app.printPlan(p.Plan(opts))
	}
	env, err := app.setup(ctx, credentialNeeds{ssh: true, botToken: true, tunnel: opts.Expose})
	if err != nil {
		return err
	}
	defer env.close()
	return app.runPipeline(ctx, env, func(p *pipeline.Pipeline) (*pipeline.Report, error) {
		return p.Deploy(ctx, opts)
	})
}

func runExposeCommand(ctx context.Context, app *cli, args []string) error {
	fs := newFlagSet("expose")
	var forceUnlock, help bool
	fs.BoolVar(&forceUnlock, "force-unlock", false, "clear a run lock left by another run")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	usage := func() { printExposeUsage(app.std.out) }
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if err := noArgs(fs, usage); err != nil {
		return err
	}
	env, err := app.setup(ctx, credentialNeeds{ssh: true, botToken: true, tunnel: true})
	if err != nil {
		return err
	}
	defer env.close()
	return app.runPipeline(ctx, env, func(p *pipeline.Pipeline) (*pipeline.Report, error) {
		return p.Expose(ctx, forceUnlock)
	})
}

// runPipeline connects, runs one pipeline command with the run history and
// metrics attached, and prints the report.
func (c *cli) runPipeline(ctx context.Context, env *environment, run func(*pipeline.Pipeline) (*pipeline.Report, error)) error {
	m := metrics.New()
	session, r, err := env.connect(ctx, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			env.logger.Debug("close session", "err", err)
		}
	}()
	telemetry, closeHistory := env.telemetry(m)
	defer closeHistory()

	p := &pipeline.Pipeline{
		Exec:     r,
		Config:   env.cfg,
		Console:  env.console,
		Logger:   env.logger,
		Recorder: telemetry,
		Redactor: env.redactor,
	}
	report, err := run(p)
	if report != nil {
		if c.opts.jsonOutput {
			if jerr := writeJSON(c.std.out, report); jerr != nil {
				return jerr
			}
		} else {
			printSummary(env, report)
		}
	}
	return err
}

func printSummary(env *environment, report *pipeline.Report) {
	c := env.console
	c.Header("summary")
	for _, w := range report.Warnings {
		c.Warnf("%s", w)
	}
	if report.Err != nil {
		if failed, ok := report.Failed(); ok {
			c.Errorf("%s stopped at step %d (%s)", report.Command, failed.Index, failed.Name)
		} else {
			c.Errorf("%s stopped", report.Command)
		}
		c.Infof("Run %s; see hostprov history %s", report.RunID, report.RunID)
		return
	}
	state := "healthy"
	if !report.Healthy {
		state = "not verified"
	}
	c.Infof("%s of %s finished: %s (run %s)", report.Command, env.cfg.App.Name, state, report.RunID)
	if report.Endpoint != nil {
		c.URL("Public URL", report.Endpoint.PublicURL)
	} else {
		c.URL("API URL", env.cfg.App.APIURL)
	}
}

func (c *cli) printPlan(plan []pipeline.PlannedStep) error {
	if c.opts.jsonOutput {
		return writeJSON(c.std.out, plan)
	}
	w := tabwriter.NewWriter(c.std.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tNAME\tACTION")
	for _, s := range plan {
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Index, s.Name, s.Action)
	}
	return w.Flush()
}

func runDiagnoseCommand(ctx context.Context, app *cli, args []string) error {
	fs := newFlagSet("diagnose")
	var runSeconds, journalLines int
	var help bool
	fs.IntVar(&runSeconds, "run-seconds", 0, "seconds to run the build in the foreground (0 uses diagnose.run_seconds)")
	fs.IntVar(&journalLines, "journal-lines", 0, "journal lines to show (0 uses diagnose.journal_lines)")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	usage := func() { printDiagnoseUsage(app.std.out) }
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if err := noArgs(fs, usage); err != nil {
		return err
	}
	if runSeconds < 0 || journalLines < 0 {
		usage()
		return newUsageError(errors.New("--run-seconds and --journal-lines must not be negative"))
	}
	env, err := app.setup(ctx, credentialNeeds{ssh: true})
	if err != nil {
		return err
	}
	defer env.close()
	if runSeconds == 0 {
		runSeconds = env.cfg.Diagnose.RunSeconds
	}
	if journalLines == 0 {
		journalLines = env.cfg.Diagnose.JournalLines
	}

	session, r, err := env.connect(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			env.logger.Debug("close session", "err", err)
		}
	}()

	backend := env.cfg.App.BackendDir()
	prober := &diagnose.Prober{Exec: r, Redactor: env.redactor, Logger: env.logger}
	report, err := prober.Probe(ctx, session.String(), diagnose.Options{
		Unit:         env.cfg.App.Name + ".service",
		JournalLines: journalLines,
		ListDirs:     []string{backend, path.Join(backend, "dist")},
		EnvPath:      path.Join(backend, ".env"),
		RunDir:       backend,
		RunCommand:   env.cfg.App.ExecStart,
		RunSeconds:   runSeconds,
	})
	if app.opts.jsonOutput {
		if jerr := writeJSON(app.std.out, report); jerr != nil {
			return jerr
		}
	} else {
		printDiagnosis(env, report)
	}
	if err != nil {
		return wrapCLIError(err, "diagnostics incomplete: "+err.Error(), "rerun hostprov diagnose")
	}
	return nil
}

func printDiagnosis(env *environment, report diagnose.Report) {
	c := env.console
	for _, s := range report.Sections {
		c.Section(s.Title, s.Body, s.Err)
	}
	if run := report.Run; run != nil {
		c.Section("timed run: "+run.Command, run.Output, "")
		exit := "unknown"
		if run.ExitKnown {
			exit = fmt.Sprint(run.ExitCode)
		}
		c.Infof("exit code %s after %s; SIGTERM sent: %t", exit, run.Duration.Round(time.Millisecond), run.Signalled)
	}
}

func runHistoryCommand(ctx context.Context, app *cli, args []string) error {
	fs := newFlagSet("history")
	var limit int
	var help bool
	fs.IntVar(&limit, "limit", defaultHistoryLimit, "number of runs to list")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	usage := func() { printHistoryUsage(app.std.out) }
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		usage()
		return newUsageError(fmt.Errorf("unexpected argument %q", fs.Arg(1)))
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	env, err := app.setup(ctx, credentialNeeds{})
	if err != nil {
		return err
	}
	defer env.close()
	store, err := journal.Open(env.cfg.JournalPath)
	if err != nil {
		return wrapCLIError(err, "open run history: "+err.Error(), "check journal_path in the config")
	}
	defer store.Close()

	if fs.NArg() == 1 {
		run, err := store.GetRun(ctx, fs.Arg(0))
		if errors.Is(err, journal.ErrRunNotFound) {
			return newCLIError(fmt.Sprintf("run %q not found", fs.Arg(0)), "list runs with hostprov history")
		}
		if err != nil {
			return err
		}
		if app.opts.jsonOutput {
			return writeJSON(app.std.out, run)
		}
		return printRun(app.std.out, run)
	}
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if app.opts.jsonOutput {
		return writeJSON(app.std.out, runs)
	}
	return printRuns(app.std.out, runs)
}

func printRuns(out io.Writer, runs []journal.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "No runs recorded.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tCOMMAND\tHOST\tSTATUS\tSTARTED\tDURATION\tPUBLIC URL")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Command, run.Host, run.Status,
			run.StartedAt.Local().Format(time.DateTime), runDuration(run), dash(run.PublicURL))
	}
	return w.Flush()
}

func printRun(out io.Writer, run journal.Run) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	fmt.Fprintf(w, "Command:\t%s\n", run.Command)
	fmt.Fprintf(w, "Host:\t%s\n", run.Host)
	fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	fmt.Fprintf(w, "Started:\t%s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration:\t%s\n", runDuration(run))
	if run.PublicURL != "" {
		fmt.Fprintf(w, "Public URL:\t%s\n", run.PublicURL)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", run.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(run.Steps) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tNAME\tSTATUS\tDURATION\tDETAIL")
	for _, s := range run.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.Index, s.Name, s.Status, s.Duration, dash(s.Detail))
	}
	return w.Flush()
}

func runDuration(run journal.Run) string {
	if run.FinishedAt.IsZero() {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runVersionCommand(app *cli, args []string) error {
	if len(args) > 0 {
		return newUsageError(fmt.Errorf("unexpected argument %q", args[0]))
	}
	if app.opts.jsonOutput {
		return writeJSON(app.std.out, buildinfo.Current())
	}
	_, err := fmt.Fprintln(app.std.out, buildinfo.String())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
