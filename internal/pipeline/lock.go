package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hostprov/hostprov/internal/runner"
)

const (
	lockAcquired = "HOSTPROV_LOCK_ACQUIRED"
	lockBusy     = "HOSTPROV_LOCK_BUSY"

	lockReleaseTimeout = 30 * time.Second
)

// LockedError is returned when another run holds the host's run lock.
type LockedError struct {
	Dir    string
	Holder string
}

func (e *LockedError) Error() string {
	holder := e.Holder
	if holder == "" {
		holder = "unknown owner"
	}
	return fmt.Sprintf("host is locked by another run (%s); wait for it or rerun with --force-unlock", holder)
}

// runLock serialises runs against one host with an atomic mkdir on the host
// itself, so it holds across operator machines.
type runLock struct {
	exec  Executor
	dir   string
	runID string
	now   func() time.Time
	held  bool
}

func (l *runLock) ownerFile() string {
	return path.Join(l.dir, "owner")
}

func (l *runLock) acquire(ctx context.Context, force bool) (outcome, error) {
	dir := runner.Quote(l.dir)
	owner := fmt.Sprintf("%s %s %s", l.runID, l.now().UTC().Format(time.RFC3339), hostname())
	var b strings.Builder
	b.WriteString("mkdir -p \"$(dirname " + dir + ")\" || exit 1\n")
	if force {
		b.WriteString("rm -rf " + dir + "\n")
	}
	fmt.Fprintf(&b, "if mkdir %s 2>/dev/null; then\n", dir)
	fmt.Fprintf(&b, "  printf '%%s\\n' %s > %s\n", runner.Quote(owner), runner.Quote(l.ownerFile()))
	fmt.Fprintf(&b, "  echo %s\n", lockAcquired)
	b.WriteString("else\n")
	fmt.Fprintf(&b, "  echo %s\n", lockBusy)
	fmt.Fprintf(&b, "  cat %s 2>/dev/null\n", runner.Quote(l.ownerFile()))
	b.WriteString("fi\n")

	res, err := l.exec.Run(ctx, b.String(), runner.Options{Silent: true})
	if err != nil {
		return outcome{result: res}, err
	}
	if err := runner.CheckExit("acquire run lock", res); err != nil {
		return outcome{result: res}, err
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	switch strings.TrimSpace(lines[0]) {
	case lockAcquired:
		l.held = true
		detail := l.dir
		if force {
			detail += " (forced)"
		}
		return done(detail)
	case lockBusy:
		holder := ""
		if len(lines) > 1 {
			holder = strings.TrimSpace(lines[1])
		}
		return outcome{result: res}, &LockedError{Dir: l.dir, Holder: holder}
	default:
		return outcome{result: res}, fmt.Errorf("acquire run lock: unexpected output %q", strings.TrimSpace(res.Stdout))
	}
}

// release removes the lock if this run still owns it. It runs on a context
// detached from cancellation so an interrupted run does not leave the host
// locked.
func (l *runLock) release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	script := fmt.Sprintf("if grep -q %s %s 2>/dev/null; then rm -rf %s; fi",
		runner.Quote("^"+l.runID+" "), runner.Quote(l.ownerFile()), runner.Quote(l.dir))
	res, err := l.exec.Run(ctx, script, runner.Options{Silent: true, Idempotent: true})
	if err != nil {
		return err
	}
	if err := runner.CheckExit("release run lock", res); err != nil {
		return err
	}
	l.held = false
	return nil
}
