// Package remote opens an authenticated shell channel to one host and runs
// command strings on it.
//
// The only primitive exposed to the rest of hostprov is Session.Execute:
// run one script, drain both output streams, report the exit status. Non-zero
// exit is data, not an error; errors are reserved for transport failures.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LocalHost is the Target.Host value that selects LocalSession.
const LocalHost = "local"

const (
	defaultSSHPort     = 22
	defaultDialTimeout = 15 * time.Second
)

// HostKeyPolicy controls how unknown or changed host keys are handled.
type HostKeyPolicy string

const (
	// HostKeyAcceptNew accepts a host on first contact and records its key
	// when a known_hosts path is configured. Changed keys are rejected.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	// HostKeyStrict requires the host to be present in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyInsecure skips verification entirely.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// Credential carries the secrets used to authenticate. At least one of
// Password, PrivateKey or UseAgent must be set.
type Credential struct {
	Password   string
	PrivateKey []byte
	Passphrase string
	UseAgent   bool
}

// Empty reports whether no authentication method is configured.
func (c Credential) Empty() bool {
	return c.Password == "" && len(c.PrivateKey) == 0 && !c.UseAgent
}

// Target identifies the single host a run talks to.
type Target struct {
	Host           string
	Port           int
	User           string
	Credential     Credential
	HostKeyPolicy  HostKeyPolicy
	KnownHostsPath string
	DialTimeout    time.Duration
}

// IsLocal reports whether the target is the operator's own machine.
func (t Target) IsLocal() bool {
	return strings.EqualFold(strings.TrimSpace(t.Host), LocalHost)
}

// Address returns host:port.
func (t Target) Address() string {
	port := t.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(strings.TrimSpace(t.Host), strconv.Itoa(port))
}

func (t Target) String() string {
	if t.IsLocal() {
		return LocalHost
	}
	if t.User == "" {
		return t.Address()
	}
	return t.User + "@" + t.Address()
}

func (t Target) dialTimeout() time.Duration {
	if t.DialTimeout > 0 {
		return t.DialTimeout
	}
	return defaultDialTimeout
}

// Command is one script to execute. Stdout and Stderr, when set, receive
// output as it arrives in addition to the captured copy in Result.
type Command struct {
	Script string
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the captured outcome of one Command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	// ExitKnown is false when the remote closed the channel without
	// reporting a status.
	ExitKnown bool
}

// Failed reports whether the command exited with a known non-zero status.
func (r Result) Failed() bool {
	return r.ExitKnown && r.ExitStatus != 0
}

// Session executes commands against one connected host.
type Session interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
	Close() error
	String() string
}

// Dial connects to target. A target whose host is "local" yields a
// LocalSession; anything else is dialed over SSH.
func Dial(ctx context.Context, target Target, logger *slog.Logger) (Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if target.IsLocal() {
		logger.Info("using local shell session")
		return &LocalSession{}, nil
	}
	return dialSSH(ctx, target, logger)
}

// syncBuffer is a bytes.Buffer that tolerates a late writer after the
// caller has given up waiting on a cancelled command.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func capture(buf *syncBuffer, live io.Writer) io.Writer {
	if live == nil {
		return buf
	}
	return io.MultiWriter(buf, live)
}

func scriptSummary(script string) string {
	first := strings.TrimSpace(script)
	if idx := strings.IndexByte(first, '\n'); idx >= 0 {
		first = strings.TrimSpace(first[:idx]) + " ..."
	}
	const limit = 80
	if len(first) > limit {
		first = first[:limit] + "..."
	}
	return first
}

// ConnectionError reports a failure to reach or authenticate to the host.
type ConnectionError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Reason, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError reports a channel-level failure while running a command.
// Partial holds whatever output arrived before the failure.
type ExecutionError struct {
	Script  string
	Partial Result
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q: %v", scriptSummary(e.Script), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
