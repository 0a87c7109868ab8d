// Package activate turns an installed application into a running, reachable
// service: systemd supervision, health polling, nginx fronting and tunnel
// exposure.
package activate

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/hostprov/hostprov/internal/remote"
	"github.com/hostprov/hostprov/internal/runner"
)

// Executor is the slice of runner.Runner this package needs.
type Executor interface {
	Run(ctx context.Context, script string, opts runner.Options) (remote.Result, error)
	Probe(ctx context.Context, name, testExpr string) (runner.Presence, error)
	WriteFile(ctx context.Context, path string, mode os.FileMode, content []byte) error
}

var _ Executor = (*runner.Runner)(nil)

// Backoff bounds a polling loop: the delay starts at Initial, doubles up to
// Max, and polling stops once Deadline has elapsed.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Deadline time.Duration
}

// DefaultBackoff replaces a fixed settle sleep after restarts.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 8 * time.Second, Deadline: 60 * time.Second}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Deadline <= 0 {
		b.Deadline = DefaultBackoff.Deadline
	}
	return b
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

var errPollDeadline = errors.New("deadline elapsed")

// poll calls check until it reports done, it errors, or the backoff deadline
// passes. Elapsed time is measured by summing the delays slept so tests with
// a fake sleeper stay deterministic.
func poll(ctx context.Context, b Backoff, sleep SleepFunc, check func(ctx context.Context) (bool, error)) error {
	b = b.withDefaults()
	if sleep == nil {
		sleep = sleepContext
	}
	delay := b.Initial
	var elapsed time.Duration
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if elapsed >= b.Deadline {
			return errPollDeadline
		}
		if remaining := b.Deadline - elapsed; delay > remaining {
			delay = remaining
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		elapsed += delay
		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
