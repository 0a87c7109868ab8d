// Package pipeline drives a host from bare to serving: runtime, source,
// build, configuration, supervision and verification, with optional public
// exposure. Every step re-derives what it needs from the host, so the whole
// pipeline is safe to re-run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hostprov/hostprov/internal/activate"
	"github.com/hostprov/hostprov/internal/config"
	"github.com/hostprov/hostprov/internal/console"
	"github.com/hostprov/hostprov/internal/redact"
	"github.com/hostprov/hostprov/internal/remote"
	"github.com/hostprov/hostprov/internal/runner"
)

// Executor is the slice of runner.Runner the pipeline needs.
type Executor interface {
	activate.Executor
	ReadFile(ctx context.Context, path string) (string, error)
}

var _ Executor = (*runner.Runner)(nil)

// Status is the outcome of one step.
type Status string

const (
	StatusOK      Status = console.StatusOK
	StatusSkipped Status = console.StatusSkipped
	StatusWarn    Status = console.StatusWarn
	StatusFailed  Status = console.StatusFailed
)

// Commands recorded in the run history.
const (
	CommandDeploy = "deploy"
	CommandExpose = "expose"
)

// StepResult records one executed step.
type StepResult struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the step-indexed trace of one run.
type Report struct {
	RunID    string             `json:"run_id"`
	Command  string             `json:"command"`
	Host     string             `json:"host"`
	Steps    []StepResult       `json:"steps"`
	Endpoint *activate.Endpoint `json:"endpoint,omitempty"`
	Healthy  bool               `json:"healthy"`
	Warnings []string           `json:"warnings,omitempty"`
	Error    string             `json:"error,omitempty"`
	Err      error              `json:"-"`
}

// Failed returns the failing step, if any.
func (r *Report) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			return s, true
		}
	}
	return StepResult{}, false
}

// StepError reports the step at which the pipeline halted. Result is the
// last command result of that step when one was available.
type StepError struct {
	Index  int
	Name   string
	Result remote.Result
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Options select optional behaviour for a deploy.
type Options struct {
	// Expose fronts the app with nginx and a tunnel after verification.
	Expose bool
	// ResetData overwrites an existing data store with the seed.
	ResetData bool
	// ForceUnlock clears a run lock left by another run.
	ForceUnlock bool
}

// Pipeline provisions the host described by Config.
type Pipeline struct {
	Exec     Executor
	Config   config.Config
	Console  *console.Console
	Logger   *slog.Logger
	Recorder Recorder
	// Redactor scrubs the report. Everything a Report carries has passed
	// through it.
	Redactor *redact.Redactor
	// Sleep paces health and endpoint polling. Defaults to a timer.
	Sleep activate.SleepFunc
	Now   func() time.Time
	NewID func() string

	current *Report
}

func (p *Pipeline) console() *console.Console {
	if p.Console == nil {
		p.Console = console.New(io.Discard, nil, false)
	}
	return p.Console
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) redact(s string) string {
	return p.Redactor.Redact(s)
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) recorder() Recorder {
	if p.Recorder != nil {
		return p.Recorder
	}
	return nopRecorder{}
}

func (p *Pipeline) supervisor() *activate.Supervisor {
	sup := activate.NewSupervisor(p.Exec, p.logger())
	sup.Sleep = p.Sleep
	return sup
}

func (p *Pipeline) backoff() activate.Backoff {
	v := p.Config.Verify
	return activate.Backoff{Initial: v.Initial, Max: v.Max, Deadline: v.Deadline}
}

func (p *Pipeline) setHealthy(healthy bool) {
	if p.current != nil {
		p.current.Healthy = healthy
	}
}

func (p *Pipeline) setEndpoint(ep activate.Endpoint) {
	if p.current != nil {
		p.current.Endpoint = &ep
	}
}

// step is one unit of work. A soft step that fails is reported as a warning
// and the run continues.
type step struct {
	name string
	soft bool
	run  func(ctx context.Context) (outcome, error)
}

type outcome struct {
	status Status
	detail string
	result remote.Result
}

func done(detail string) (outcome, error) {
	return outcome{status: StatusOK, detail: detail}, nil
}

func skipped(detail string) (outcome, error) {
	return outcome{status: StatusSkipped, detail: detail}, nil
}

// Deploy runs the full provisioning pipeline, followed by the exposure steps
// when opts.Expose is set.
func (p *Pipeline) Deploy(ctx context.Context, opts Options) (*Report, error) {
	steps := p.deploySteps(opts)
	if opts.Expose {
		steps = append(steps, p.exposeSteps()...)
	}
	return p.execute(ctx, CommandDeploy, opts.ForceUnlock, steps)
}

// Expose publishes an already deployed application.
func (p *Pipeline) Expose(ctx context.Context, forceUnlock bool) (*Report, error) {
	return p.execute(ctx, CommandExpose, forceUnlock, p.exposeSteps())
}

func (p *Pipeline) execute(ctx context.Context, command string, forceUnlock bool, steps []step) (*Report, error) {
	runID := uuid.NewString()
	if p.NewID != nil {
		runID = p.NewID()
	}
	report := &Report{RunID: runID, Command: command, Host: p.Config.Target.Host}
	p.current = report
	defer func() { p.current = nil }()
	started := p.now()
	rec := p.recorder()
	rec.RunStarted(ctx, report, started)
	p.logger().Info("run started", "run_id", runID, "command", command, "host", report.Host)

	lock := &runLock{exec: p.Exec, dir: p.Config.LockDir, runID: runID, now: p.now}
	all := append([]step{{
		name: "acquire run lock",
		run: func(ctx context.Context) (outcome, error) {
			return lock.acquire(ctx, forceUnlock)
		},
	}}, steps...)

	err := p.runSteps(ctx, report, all)
	if lock.held {
		if rerr := lock.release(ctx); rerr != nil {
			msg := p.redact("release run lock: " + rerr.Error())
			report.Warnings = append(report.Warnings, msg)
			p.console().Warnf("%s", msg)
		}
	}
	if err != nil {
		report.Err = err
		report.Error = p.redact(err.Error())
		report.Healthy = false
	}
	finished := p.now()
	rec.RunFinished(ctx, report, finished, finished.Sub(started))
	if err != nil {
		p.logger().Error("run failed", "run_id", runID, "err", err)
		return report, err
	}
	p.logger().Info("run finished", "run_id", runID, "healthy", report.Healthy)
	return report, nil
}

func (p *Pipeline) runSteps(ctx context.Context, report *Report, steps []step) error {
	c := p.console()
	rec := p.recorder()
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Name: s.name, Err: err}
		}
		c.Header(fmt.Sprintf("%d. %s", i, s.name))
		started := p.now()
		out, err := s.run(ctx)
		result := StepResult{
			Index:    i,
			Name:     s.name,
			Status:   out.status,
			Detail:   p.redact(out.detail),
			Duration: p.now().Sub(started),
		}
		if err != nil {
			last := out.result
			if r, ok := resultOf(err); ok {
				last = r
			}
			result.Stdout = p.redact(last.Stdout)
			result.Stderr = p.redact(last.Stderr)
			result.Detail = p.redact(err.Error())
			if s.soft {
				result.Status = StatusWarn
				report.Warnings = append(report.Warnings, s.name+": "+result.Detail)
			} else {
				result.Status = StatusFailed
			}
		}
		if result.Status == "" {
			result.Status = StatusOK
		}
		report.Steps = append(report.Steps, result)
		rec.StepFinished(ctx, report.RunID, result, started)
		c.Step(i, s.name, string(result.Status), result.Detail, result.Duration)
		if result.Status == StatusFailed {
			if tail := lastLines(result.Stderr, 20); tail != "" {
				c.Section("stderr of failing command", tail, "")
			}
			return &StepError{Index: i, Name: s.name, Result: remote.Result{Stdout: result.Stdout, Stderr: result.Stderr}, Err: err}
		}
	}
	return nil
}

// resultOf digs the last command result out of the typed errors the runner
// and session produce.
func resultOf(err error) (remote.Result, bool) {
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Result, true
	}
	var writeErr *runner.ArtifactWriteError
	if errors.As(err, &writeErr) {
		return writeErr.Result, true
	}
	var probeErr *runner.ProbeAmbiguityError
	if errors.As(err, &probeErr) {
		return probeErr.Result, true
	}
	var execErr *remote.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Partial, true
	}
	var unhealthy *activate.UnhealthyError
	if errors.As(err, &unhealthy) {
		return remote.Result{Stdout: unhealthy.Last.Raw, Stderr: unhealthy.Journal}, true
	}
	var extract *activate.EndpointExtractionError
	if errors.As(err, &extract) {
		return remote.Result{Stdout: extract.Raw}, true
	}
	return remote.Result{}, false
}

// sh runs script and turns a non-zero exit into an error labelled what.
func (p *Pipeline) sh(ctx context.Context, what, script string, opts runner.Options) (remote.Result, error) {
	res, err := p.Exec.Run(ctx, script, opts)
	if err != nil {
		return res, err
	}
	return res, runner.CheckExit(what, res)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
