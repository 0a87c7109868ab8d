// ABOUTME: Helpers for consistent CLI error messages with hints and next steps.
// ABOUTME: Maps the typed errors of the provisioning packages to operator advice.

package main

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/hostprov/hostprov/internal/activate"
	"github.com/hostprov/hostprov/internal/pipeline"
	"github.com/hostprov/hostprov/internal/remote"
	"github.com/hostprov/hostprov/internal/runner"
)

var errHelp = errors.New("help requested")

// usageError marks a malformed invocation; it exits with status 2.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func newUsageError(err error) error {
	return &usageError{err: err}
}

type cliError struct {
	msg   string
	next  string
	hints []string
	err   error
}

func (e *cliError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.msg) != "" {
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return "unknown error"
}

func (e *cliError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func newCLIError(msg, next string, hints ...string) error {
	return &cliError{
		msg:   strings.TrimSpace(msg),
		next:  strings.TrimSpace(next),
		hints: normalizeHints(hints),
	}
}

func wrapCLIError(err error, msg, next string, hints ...string) error {
	if err == nil {
		return newCLIError(msg, next, hints...)
	}
	return &cliError{
		msg:   strings.TrimSpace(msg),
		next:  strings.TrimSpace(next),
		hints: normalizeHints(hints),
		err:   err,
	}
}

// describeError returns the message, next step and hints for err. Errors
// that are not cliErrors get advice derived from their type.
func describeError(err error) (string, string, []string) {
	if err == nil {
		return "", "", nil
	}
	var ce *cliError
	if errors.As(err, &ce) {
		msg := strings.TrimSpace(ce.msg)
		if msg == "" {
			msg = errorMessage(ce.err)
		}
		next := strings.TrimSpace(ce.next)
		hints := normalizeHints(ce.hints)
		if next == "" && len(hints) == 0 && ce.err != nil {
			next, hints = adviceFor(ce.err)
		}
		return msg, next, hints
	}
	next, hints := adviceFor(err)
	return errorMessage(err), next, hints
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return strings.TrimSpace(err.Error())
}

func adviceFor(err error) (string, []string) {
	var locked *pipeline.LockedError
	if errors.As(err, &locked) {
		return "wait for the other run to finish", []string{
			"if that run is dead, rerun with --force-unlock",
			"the lock lives at " + locked.Dir + " on the host",
		}
	}
	var conn *remote.ConnectionError
	if errors.As(err, &conn) {
		return "check target.host, target.port and target.user", []string{
			"set HOSTPROV_SSH_PASSWORD or target.private_key_path",
			"a changed host key is rejected; remove the stale entry from target.known_hosts_path",
		}
	}
	var probe *runner.ProbeAmbiguityError
	if errors.As(err, &probe) {
		return "run hostprov diagnose to inspect the host", []string{"nothing was removed because the state of " + probe.Name + " is unknown"}
	}
	var unhealthy *activate.UnhealthyError
	if errors.As(err, &unhealthy) {
		return "run hostprov diagnose to see why " + unhealthy.Unit + " does not stay up", nil
	}
	var extract *activate.EndpointExtractionError
	if errors.As(err, &extract) {
		return "check the tunnel authtoken and that the tunnel unit is running", []string{"the raw status response is printed above"}
	}
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		return "fix the failing step and rerun; completed steps are safe to repeat", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "raise --deadline or check the host's network", nil
	}
	if errors.Is(err, context.Canceled) {
		return "rerun when ready; the run lock was released", nil
	}
	return "", nil
}

// scrub passes an error report through the redactor built by setup.
func (c *cli) scrub(msg, next string, hints []string) (string, string, []string) {
	if c == nil || c.redactor == nil {
		return msg, next, hints
	}
	out := make([]string, len(hints))
	for i, hint := range hints {
		out[i] = c.redactor.Redact(hint)
	}
	return c.redactor.Redact(msg), c.redactor.Redact(next), out
}

func normalizeHints(hints []string) []string {
	seen := make(map[string]struct{}, len(hints))
	out := make([]string, 0, len(hints))
	for _, hint := range hints {
		value := strings.TrimSpace(hint)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func printError(w io.Writer, msg, next string, hints []string) {
	if w == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "unknown error"
	}
	_, _ = io.WriteString(w, "error: "+msg+"\n")
	next = strings.TrimSpace(next)
	if next != "" {
		_, _ = io.WriteString(w, "next: "+next+"\n")
	}
	for _, hint := range normalizeHints(hints) {
		_, _ = io.WriteString(w, "hint: "+hint+"\n")
	}
}
