package activate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hostprov/hostprov/internal/artifact"
	"github.com/hostprov/hostprov/internal/runner"
)

const defaultJournalLines = 30

// Health is the classification of a unit's status output.
type Health int

const (
	Unhealthy Health = iota
	Healthy
)

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

var (
	activeLineRE = regexp.MustCompile(`(?m)^\s*Active:\s*([a-z-]+)(?:\s*\(([^)]*)\))?`)
	bareActiveRE = regexp.MustCompile(`(?m)(?:^|\s)active \(running\)`)
)

// Classify maps systemctl status text to Health. Only "active (running)" is
// healthy; failed, inactive, activating, deactivating and anything
// unrecognised are not.
func Classify(statusText string) Health {
	if m := activeLineRE.FindStringSubmatch(statusText); m != nil {
		if m[1] == "active" && m[2] == "running" {
			return Healthy
		}
		return Unhealthy
	}
	if bareActiveRE.MatchString(statusText) {
		return Healthy
	}
	return Unhealthy
}

// UnitStatus is a parsed `systemctl status` result.
type UnitStatus struct {
	Unit   string
	Active string
	Sub    string
	Raw    string
}

// Health classifies the raw status text.
func (s UnitStatus) Health() Health {
	return Classify(s.Raw)
}

func (s UnitStatus) String() string {
	switch {
	case s.Active == "":
		return "unknown"
	case s.Sub == "":
		return s.Active
	default:
		return fmt.Sprintf("%s (%s)", s.Active, s.Sub)
	}
}

func parseStatus(unit, raw string) UnitStatus {
	st := UnitStatus{Unit: unit, Raw: raw}
	if m := activeLineRE.FindStringSubmatch(raw); m != nil {
		st.Active = m[1]
		st.Sub = m[2]
	}
	return st
}

// UnhealthyError reports a unit that did not reach active (running) before
// the deadline.
type UnhealthyError struct {
	Unit    string
	Last    UnitStatus
	Journal string
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("unit %s not healthy before deadline (last status: %s)", e.Unit, e.Last.String())
}

// Supervisor drives systemd units on the host.
type Supervisor struct {
	Exec   Executor
	Logger *slog.Logger
	Sleep  SleepFunc
}

// NewSupervisor builds a Supervisor over exec.
func NewSupervisor(exec Executor, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{Exec: exec, Logger: logger}
}

// InstallUnit writes a rendered unit file.
func (s *Supervisor) InstallUnit(ctx context.Context, unit artifact.File) error {
	return s.Exec.WriteFile(ctx, unit.Path, unit.Mode, unit.Content)
}

// Reload runs daemon-reload.
func (s *Supervisor) Reload(ctx context.Context) error {
	return s.systemctl(ctx, "daemon-reload", "")
}

// Enable marks unit to start at boot.
func (s *Supervisor) Enable(ctx context.Context, unit string) error {
	return s.systemctl(ctx, "enable", unit)
}

// Restart restarts unit, starting it if stopped.
func (s *Supervisor) Restart(ctx context.Context, unit string) error {
	return s.systemctl(ctx, "restart", unit)
}

// Stop stops unit.
func (s *Supervisor) Stop(ctx context.Context, unit string) error {
	return s.systemctl(ctx, "stop", unit)
}

func (s *Supervisor) systemctl(ctx context.Context, verb, unit string) error {
	script := "systemctl " + verb
	if unit != "" {
		script += " " + runner.Quote(unit)
	}
	res, err := s.Exec.Run(ctx, script, runner.Options{Idempotent: true})
	if err != nil {
		return err
	}
	return runner.CheckExit(script, res)
}

// Status returns the unit's current status. A stopped or failed unit makes
// systemctl exit non-zero; that is reported in the status, not as an error.
func (s *Supervisor) Status(ctx context.Context, unit string) (UnitStatus, error) {
	script := fmt.Sprintf("systemctl status %s --no-pager --lines=0", runner.Quote(unit))
	res, err := s.Exec.Run(ctx, script, runner.Options{Silent: true, Idempotent: true})
	if err != nil {
		return UnitStatus{Unit: unit}, err
	}
	return parseStatus(unit, res.Stdout), nil
}

// Journal returns the last lines of the unit's journal.
func (s *Supervisor) Journal(ctx context.Context, unit string, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultJournalLines
	}
	script := fmt.Sprintf("journalctl -u %s -n %d --no-pager", runner.Quote(unit), lines)
	res, err := s.Exec.Run(ctx, script, runner.Options{Silent: true, Idempotent: true})
	if err != nil {
		return "", err
	}
	if err := runner.CheckExit(script, res); err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// WaitHealthy polls Status with backoff until the unit is healthy. On
// timeout it returns *UnhealthyError carrying the last status and a journal
// tail.
func (s *Supervisor) WaitHealthy(ctx context.Context, unit string, b Backoff) (UnitStatus, error) {
	var last UnitStatus
	err := poll(ctx, b, s.Sleep, func(ctx context.Context) (bool, error) {
		st, err := s.Status(ctx, unit)
		if err != nil {
			return false, err
		}
		last = st
		healthy := st.Health() == Healthy
		if !healthy {
			s.Logger.Debug("waiting for unit", "unit", unit, "status", st.String())
		}
		return healthy, nil
	})
	if err == nil {
		s.Logger.Info("unit healthy", "unit", unit)
		return last, nil
	}
	if !errors.Is(err, errPollDeadline) {
		return last, err
	}
	journal, jerr := s.Journal(ctx, unit, defaultJournalLines)
	if jerr != nil {
		s.Logger.Warn("journal tail unavailable", "unit", unit, "err", jerr)
	}
	return last, &UnhealthyError{Unit: unit, Last: last, Journal: strings.TrimSpace(journal)}
}
