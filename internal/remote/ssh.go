package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// cancelGrace bounds how long Execute waits for a signalled remote command
// to flush its output after the context is cancelled.
const cancelGrace = 2 * time.Second

// SSHSession runs commands over one SSH client connection. Each Execute
// opens its own session channel on that connection.
type SSHSession struct {
	target    Target
	config    *ssh.ClientConfig
	logger    *slog.Logger
	agentConn net.Conn

	mu     sync.Mutex
	client *ssh.Client
}

var _ Session = (*SSHSession)(nil)

func dialSSH(ctx context.Context, target Target, logger *slog.Logger) (*SSHSession, error) {
	addr := target.Address()
	if strings.TrimSpace(target.Host) == "" {
		return nil, &ConnectionError{Addr: addr, Reason: "invalid target", Err: errors.New("host is required")}
	}
	if strings.TrimSpace(target.User) == "" {
		return nil, &ConnectionError{Addr: addr, Reason: "invalid target", Err: errors.New("user is required")}
	}
	auth, agentConn, err := authMethods(target.Credential)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Reason: "credentials", Err: err}
	}
	hostKeys, err := hostKeyCallback(target, logger)
	if err != nil {
		closeQuietly(agentConn)
		return nil, &ConnectionError{Addr: addr, Reason: "host key policy", Err: err}
	}
	s := &SSHSession{
		target: target,
		config: &ssh.ClientConfig{
			User:            target.User,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         target.dialTimeout(),
		},
		logger:    logger,
		agentConn: agentConn,
	}
	client, err := s.dial(ctx)
	if err != nil {
		closeQuietly(agentConn)
		return nil, err
	}
	s.client = client
	logger.Info("connected", "target", target.String())
	return s, nil
}

func (s *SSHSession) dial(ctx context.Context) (*ssh.Client, error) {
	addr := s.target.Address()
	dialer := net.Dialer{Timeout: s.target.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Reason: "unreachable", Err: err}
	}
	deadline := time.Now().Add(s.target.dialTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.config)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Addr: addr, Reason: classifyHandshakeError(err), Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func classifyHandshakeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return "authentication rejected"
	case strings.Contains(msg, "knownhosts"), strings.Contains(msg, "host key"):
		return "host key rejected"
	default:
		return "handshake failed"
	}
}

// Execute runs cmd.Script in a new session channel.
func (s *SSHSession) Execute(ctx context.Context, cmd Command) (Result, error) {
	sess, err := s.newSession(ctx, cmd.Script)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	var stdout, stderr syncBuffer
	sess.Stdout = capture(&stdout, cmd.Stdout)
	sess.Stderr = capture(&stderr, cmd.Stderr)
	if err := sess.Start(cmd.Script); err != nil {
		return Result{}, &ExecutionError{Script: cmd.Script, Err: fmt.Errorf("start: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		_ = sess.Close()
		select {
		case <-done:
		case <-time.After(cancelGrace):
		}
		partial := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		return partial, &ExecutionError{Script: cmd.Script, Partial: partial, Err: ctx.Err()}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if waitErr == nil {
		res.ExitKnown = true
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitKnown = true
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(waitErr, &missing) {
		return res, nil
	}
	return res, &ExecutionError{Script: cmd.Script, Partial: res, Err: waitErr}
}

// newSession opens a channel, redialing once if the connection has dropped.
func (s *SSHSession) newSession(ctx context.Context, script string) (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		sess, err := s.client.NewSession()
		if err == nil {
			return sess, nil
		}
		s.logger.Warn("open ssh channel failed; redialing", "target", s.target.String(), "err", err)
		_ = s.client.Close()
		s.client = nil
	}
	client, err := s.dial(ctx)
	if err != nil {
		return nil, &ExecutionError{Script: script, Err: fmt.Errorf("redial: %w", err)}
	}
	s.client = client
	sess, err := client.NewSession()
	if err != nil {
		return nil, &ExecutionError{Script: script, Err: fmt.Errorf("open channel: %w", err)}
	}
	return sess, nil
}

// Close tears down the connection and any agent socket.
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	closeQuietly(s.agentConn)
	s.agentConn = nil
	return err
}

func (s *SSHSession) String() string {
	return s.target.String()
}

func authMethods(cred Credential) ([]ssh.AuthMethod, net.Conn, error) {
	if cred.Empty() {
		return nil, nil, errors.New("no credential configured (password, private key or agent)")
	}
	var methods []ssh.AuthMethod
	var agentConn net.Conn
	if len(cred.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.UseAgent {
		sock := strings.TrimSpace(os.Getenv("SSH_AUTH_SOCK"))
		if sock == "" {
			return nil, nil, errors.New("ssh agent requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("connect ssh agent: %w", err)
		}
		agentConn = conn
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}
	if cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, agentConn, nil
}

func closeQuietly(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
