package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func hostKeyCallback(target Target, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	policy := target.HostKeyPolicy
	if policy == "" {
		policy = HostKeyAcceptNew
	}
	path := strings.TrimSpace(target.KnownHostsPath)
	switch policy {
	case HostKeyInsecure:
		logger.Warn("host key verification disabled", "target", target.String())
		return ssh.InsecureIgnoreHostKey(), nil
	case HostKeyStrict:
		if path == "" {
			return nil, errors.New("strict host key policy requires a known_hosts path")
		}
		return knownhosts.New(path)
	case HostKeyAcceptNew:
		return acceptNewCallback(path, logger)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// acceptNewCallback trusts a host on first contact. With a known_hosts path
// the key is appended so later runs (and strict mode) recognise it; a host
// already on file with a different key is rejected.
func acceptNewCallback(path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			logger.Info("accepting host key", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
			return nil
		}, nil
	}
	if err := ensureKnownHostsFile(path); err != nil {
		return nil, err
	}
	known, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	accepted := make(map[string]string)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
		fingerprint := ssh.FingerprintSHA256(key)
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := accepted[hostname]; ok {
			if prev == fingerprint {
				return nil
			}
			return fmt.Errorf("host key for %s changed during run", hostname)
		}
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if err := appendLine(path, line); err != nil {
			return fmt.Errorf("record host key: %w", err)
		}
		accepted[hostname] = fingerprint
		logger.Info("added host key", "host", hostname, "fingerprint", fingerprint, "known_hosts", path)
		return nil
	}, nil
}

func ensureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	return f.Close()
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
