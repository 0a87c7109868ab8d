// Package diagnose inspects a provisioned host without changing it: service
// journal, directory listings, a redacted env dump and a short foreground run
// of the application.
package diagnose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hostprov/hostprov/internal/activate"
	"github.com/hostprov/hostprov/internal/redact"
	"github.com/hostprov/hostprov/internal/remote"
	"github.com/hostprov/hostprov/internal/runner"
)

const (
	defaultRunSeconds   = 3
	defaultJournalLines = 50
	defaultKillGrace    = 5 * time.Second
)

// Executor is the slice of runner.Runner the prober needs.
type Executor interface {
	Run(ctx context.Context, script string, opts runner.Options) (remote.Result, error)
	Probe(ctx context.Context, name, testExpr string) (runner.Presence, error)
	WriteFile(ctx context.Context, path string, mode os.FileMode, content []byte) error
	ReadFile(ctx context.Context, path string) (string, error)
}

var _ Executor = (*runner.Runner)(nil)

// Options describes what to inspect.
type Options struct {
	Unit         string
	JournalLines int
	// ListDirs are shown with ls -la, typically the backend and build dirs.
	ListDirs []string
	EnvPath  string
	// RunDir and RunCommand define the timed foreground run. An empty
	// RunCommand skips it.
	RunDir     string
	RunCommand string
	RunSeconds int
	KillGrace  time.Duration
}

// Section is one titled block of findings.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Err   string `json:"error,omitempty"`
}

// RunResult is the outcome of the timed foreground run.
type RunResult struct {
	Command   string        `json:"command"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exit_code"`
	ExitKnown bool          `json:"exit_known"`
	Signalled bool          `json:"sigterm_sent"`
	Duration  time.Duration `json:"duration"`
}

// Report collects every finding. Sections that failed carry Err instead of
// aborting the whole probe.
type Report struct {
	Host     string     `json:"host"`
	Sections []Section  `json:"sections"`
	Run      *RunResult `json:"run,omitempty"`
}

// Prober runs read-only inspections.
type Prober struct {
	Exec     Executor
	Redactor *redact.Redactor
	Logger   *slog.Logger
}

// Probe gathers the findings described by opts.
func (p *Prober) Probe(ctx context.Context, host string, opts Options) (Report, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	report := Report{Host: host}

	if opts.Unit != "" {
		lines := opts.JournalLines
		if lines <= 0 {
			lines = defaultJournalLines
		}
		sup := activate.NewSupervisor(p.Exec, logger)
		journal, err := sup.Journal(ctx, opts.Unit, lines)
		report.add(p.section("journal "+opts.Unit, journal, err))
	}
	for _, dir := range opts.ListDirs {
		script := "ls -la " + runner.Quote(dir)
		res, err := p.Exec.Run(ctx, script, runner.Options{Silent: true, Idempotent: true})
		if err == nil {
			err = runner.CheckExit(script, res)
		}
		report.add(p.section("files "+dir, res.Stdout, err))
	}
	if opts.EnvPath != "" {
		content, err := p.Exec.ReadFile(ctx, opts.EnvPath)
		report.add(p.section("env "+opts.EnvPath, RedactEnv(content, p.Redactor), err))
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	if strings.TrimSpace(opts.RunCommand) != "" {
		run, err := p.TimedRun(ctx, opts.RunDir, opts.RunCommand, opts.RunSeconds, opts.KillGrace)
		if err != nil {
			return report, err
		}
		report.Run = &run
	}
	logger.Info("diagnostics collected", "sections", len(report.Sections), "timed_run", report.Run != nil)
	return report, nil
}

func (r *Report) add(s Section) {
	r.Sections = append(r.Sections, s)
}

func (p *Prober) section(title, body string, err error) Section {
	s := Section{Title: title, Body: p.Redactor.Redact(strings.TrimRight(body, "\n"))}
	if err != nil {
		s.Err = p.Redactor.Redact(err.Error())
	}
	return s
}

var envLineRE = regexp.MustCompile(`^(\s*(?:export\s+)?)([A-Za-z_][A-Za-z0-9_]*)(\s*=\s*)(.*)$`)

// RedactEnv masks the value of every sensitive key in a dotenv body and
// then scrubs any registered secret values that remain.
func RedactEnv(content string, r *redact.Redactor) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		m := envLineRE.FindStringSubmatch(line)
		if m == nil || !r.IsSensitiveKey(m[2]) {
			continue
		}
		lines[i] = m[1] + m[2] + m[3] + redact.Placeholder
	}
	return r.Redact(strings.Join(lines, "\n"))
}

// TimedRun starts command in the background from dir, waits seconds, then
// always sends SIGTERM to its process group and reports the partial output
// and exit code. A process that ignores SIGTERM is killed after grace.
func (p *Prober) TimedRun(ctx context.Context, dir, command string, seconds int, grace time.Duration) (RunResult, error) {
	if seconds <= 0 {
		seconds = defaultRunSeconds
	}
	if grace <= 0 {
		grace = defaultKillGrace
	}
	nonce := strconv.FormatInt(time.Now().UnixNano(), 36)
	sentMarker := "HOSTPROV_SIGTERM_" + nonce
	exitMarker := "HOSTPROV_EXIT_" + nonce + "="
	script := timedRunScript(dir, command, seconds, grace, sentMarker, exitMarker)

	start := time.Now()
	res, err := p.Exec.Run(ctx, script, runner.Options{Silent: true})
	if err != nil {
		return RunResult{Command: command}, fmt.Errorf("timed run: %w", err)
	}
	run := parseTimedRun(res.Stdout, sentMarker, exitMarker)
	run.Command = command
	run.Output = p.Redactor.Redact(run.Output)
	run.Duration = time.Since(start)
	return run, nil
}

func timedRunScript(dir, command string, seconds int, grace time.Duration, sentMarker, exitMarker string) string {
	var b strings.Builder
	b.WriteString("set -m\n")
	if dir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", runner.Quote(dir))
	}
	fmt.Fprintf(&b, "( %s ) 2>&1 &\n", command)
	b.WriteString("pid=$!\n")
	fmt.Fprintf(&b, "sleep %d\n", seconds)
	b.WriteString(`kill -TERM -- "-$pid" 2>/dev/null || kill -TERM "$pid" 2>/dev/null` + "\n")
	fmt.Fprintf(&b, "printf '\\n%%s\\n' %s\n", runner.Quote(sentMarker))
	graceSeconds := int(grace / time.Second)
	if graceSeconds < 1 {
		graceSeconds = 1
	}
	fmt.Fprintf(&b, "( sleep %d; kill -KILL -- \"-$pid\" 2>/dev/null ) >/dev/null 2>&1 &\n", graceSeconds)
	b.WriteString("killer=$!\n")
	b.WriteString(`wait "$pid"` + "\n")
	b.WriteString("status=$?\n")
	b.WriteString(`kill "$killer" 2>/dev/null` + "\n")
	fmt.Fprintf(&b, "printf '\\n%%s%%s\\n' %s \"$status\"\n", runner.Quote(exitMarker))
	return b.String()
}

// parseTimedRun splits the markers out of stdout. Each marker is printed
// after a newline of its own, which is dropped again here.
func parseTimedRun(stdout, sentMarker, exitMarker string) RunResult {
	var run RunResult
	var output []string
	dropSeparator := func() {
		if n := len(output); n > 0 && output[n-1] == "" {
			output = output[:n-1]
		}
	}
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case line == sentMarker:
			dropSeparator()
			run.Signalled = true
		case strings.HasPrefix(line, exitMarker):
			dropSeparator()
			if code, err := strconv.Atoi(strings.TrimPrefix(line, exitMarker)); err == nil {
				run.ExitCode = code
				run.ExitKnown = true
			}
		default:
			output = append(output, line)
		}
	}
	run.Output = strings.TrimRight(strings.Join(output, "\n"), "\n")
	return run
}
