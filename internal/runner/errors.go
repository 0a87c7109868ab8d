package runner

import (
	"fmt"
	"strings"

	"github.com/hostprov/hostprov/internal/remote"
)

// ExitError reports a command that completed with a non-zero status, or
// whose status the host never reported.
type ExitError struct {
	What   string
	Result remote.Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.What, e.Result.ExitStatus)
	if !e.Result.ExitKnown {
		msg = e.What + ": exit status unknown"
	}
	if tail := lastLine(e.Result.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// CheckExit returns an *ExitError unless res carries a zero exit status.
// An unknown status counts as failure.
func CheckExit(what string, res remote.Result) error {
	if res.ExitKnown && res.ExitStatus == 0 {
		return nil
	}
	return &ExitError{What: what, Result: res}
}

// ProbeAmbiguityError is returned when a probe's output matches neither
// sentinel, or both.
type ProbeAmbiguityError struct {
	Name   string
	Result remote.Result
}

func (e *ProbeAmbiguityError) Error() string {
	out := strings.TrimSpace(e.Result.Stdout)
	if len(out) > 120 {
		out = out[:120] + "..."
	}
	return fmt.Sprintf("probe %s: indeterminate (exit %d, stdout %q)", e.Name, e.Result.ExitStatus, out)
}

// ArtifactWriteError reports a failed templated write. The previous file at
// Path, if any, is left untouched.
type ArtifactWriteError struct {
	Path   string
	Result remote.Result
	Err    error
}

func (e *ArtifactWriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("write %s: %v", e.Path, e.Err)
	}
	msg := fmt.Sprintf("write %s: exit status %d", e.Path, e.Result.ExitStatus)
	if tail := lastLine(e.Result.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ArtifactWriteError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
