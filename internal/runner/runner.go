// ABOUTME: Command runner layered over a remote session: live redacted echo,
// ABOUTME: retries for idempotent commands, tri-state probes and file transfer.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hostprov/hostprov/internal/redact"
	"github.com/hostprov/hostprov/internal/remote"
)

const stderrPrefix = "STDERR: "

// Options tunes a single Run call.
type Options struct {
	// Silent suppresses the live echo to the console. Output is still captured.
	Silent bool
	// Idempotent allows the call to be retried after a channel failure.
	Idempotent bool
}

// RetryPolicy bounds retries of idempotent commands.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is used when Config.Retry is zero.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Initial: 500 * time.Millisecond, Max: 5 * time.Second}

// Config wires a Runner to its collaborators. Every field is optional.
type Config struct {
	Out      io.Writer
	Redactor *redact.Redactor
	Logger   *slog.Logger
	Retry    RetryPolicy
	Sleep    func(context.Context, time.Duration) error
	// OnRetry is called before each retry of an idempotent command.
	OnRetry func()
}

// Runner issues shell commands against one session.
type Runner struct {
	session  remote.Session
	out      io.Writer
	redactor *redact.Redactor
	logger   *slog.Logger
	retry    RetryPolicy
	sleep    func(context.Context, time.Duration) error
	onRetry  func()
}

// New builds a Runner over session.
func New(session remote.Session, cfg Config) *Runner {
	r := &Runner{
		session:  session,
		out:      cfg.Out,
		redactor: cfg.Redactor,
		logger:   cfg.Logger,
		retry:    cfg.Retry,
		sleep:    cfg.Sleep,
		onRetry:  cfg.OnRetry,
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	r.out = &lockedWriter{w: r.out}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.retry.Attempts <= 0 {
		r.retry = DefaultRetryPolicy
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// Session returns the underlying session.
func (r *Runner) Session() remote.Session {
	return r.session
}

// Redactor returns the redactor applied to echoed output.
func (r *Runner) Redactor() *redact.Redactor {
	return r.redactor
}

// Run executes script. A non-zero exit status is reported in the Result and
// never as an error; use CheckExit to turn it into one.
func (r *Runner) Run(ctx context.Context, script string, opts Options) (remote.Result, error) {
	attempts := 1
	if opts.Idempotent {
		attempts = r.retry.Attempts
	}
	delay := r.retry.Initial
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := r.runOnce(ctx, script, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var execErr *remote.ExecutionError
		if !errors.As(err, &execErr) || ctx.Err() != nil || attempt == attempts {
			return res, err
		}
		r.logger.Warn("command failed; retrying",
			"attempt", attempt,
			"next_in", delay,
			"err", r.redactor.Redact(err.Error()))
		if r.onRetry != nil {
			r.onRetry()
		}
		if err := r.sleep(ctx, delay); err != nil {
			return res, err
		}
		delay *= 2
		if r.retry.Max > 0 && delay > r.retry.Max {
			delay = r.retry.Max
		}
	}
	return remote.Result{}, lastErr
}

func (r *Runner) runOnce(ctx context.Context, script string, opts Options) (remote.Result, error) {
	r.logger.Debug("run", "target", r.session.String(), "script", r.redactor.Redact(firstLine(script)))
	cmd := remote.Command{Script: script}
	var stdout, stderr *redact.LineWriter
	if !opts.Silent {
		stdout = redact.NewLineWriter(r.out, r.redactor, "")
		stderr = redact.NewLineWriter(r.out, r.redactor, stderrPrefix)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}
	res, err := r.session.Execute(ctx, cmd)
	if stdout != nil {
		_ = stdout.Flush()
		_ = stderr.Flush()
	}
	return res, err
}

// lockedWriter serialises the stdout and stderr echo, which arrive from
// separate goroutines on an SSH session.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func firstLine(script string) string {
	trimmed := strings.TrimSpace(script)
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		return trimmed[:idx] + " ..."
	}
	return trimmed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Quote wraps s in single quotes for safe interpolation into a shell script.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
