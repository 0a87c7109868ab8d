package remote

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// LocalSession runs scripts on the operator machine through bash.
type LocalSession struct {
	// Shell defaults to "bash".
	Shell string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env, when non-nil, replaces the inherited environment.
	Env []string
}

var _ Session = (*LocalSession)(nil)

func (s *LocalSession) Execute(ctx context.Context, cmd Command) (Result, error) {
	shell := s.Shell
	if shell == "" {
		shell = "bash"
	}
	var stdout, stderr syncBuffer
	c := exec.CommandContext(ctx, shell, "-c", cmd.Script)
	c.Dir = s.Dir
	if s.Env != nil {
		c.Env = s.Env
	}
	c.Stdout = capture(&stdout, cmd.Stdout)
	c.Stderr = capture(&stderr, cmd.Stderr)
	c.Cancel = func() error { return c.Process.Signal(syscall.SIGTERM) }
	c.WaitDelay = cancelGrace

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return res, &ExecutionError{Script: cmd.Script, Partial: res, Err: ctx.Err()}
	}
	if err == nil {
		res.ExitKnown = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitKnown = true
		res.ExitStatus = exitErr.ExitCode()
		return res, nil
	}
	return res, &ExecutionError{Script: cmd.Script, Partial: res, Err: err}
}

func (s *LocalSession) Close() error { return nil }

func (s *LocalSession) String() string { return LocalHost }
