package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/hostprov/hostprov/internal/config"
	"github.com/hostprov/hostprov/internal/console"
	"github.com/hostprov/hostprov/internal/journal"
	"github.com/hostprov/hostprov/internal/metrics"
	"github.com/hostprov/hostprov/internal/pipeline"
	"github.com/hostprov/hostprov/internal/redact"
	"github.com/hostprov/hostprov/internal/remote"
	"github.com/hostprov/hostprov/internal/runner"
	"github.com/hostprov/hostprov/internal/secrets"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// cli carries what every command shares.
type cli struct {
	opts globalOptions
	std  streams
	// redactor is set once setup has resolved the credentials.
	redactor *redact.Redactor
}

// environment is the per-invocation wiring: configuration with credentials
// resolved, and the redacting output and logging built around them.
type environment struct {
	cfg      config.Config
	redactor *redact.Redactor
	logger   *slog.Logger
	console  *console.Console
	logSink  *redact.LineWriter
}

// humanStream is where progress goes. With --json stdout carries only the
// report.
func (c *cli) humanStream() io.Writer {
	if c.opts.jsonOutput {
		return c.std.err
	}
	return c.std.out
}

// setup loads the configuration and resolves credentials. need lists the
// credentials the command cannot run without.
func (c *cli) setup(ctx context.Context, need credentialNeeds) (*environment, error) {
	redactor := redact.New(nil)
	c.redactor = redactor
	logSink := redact.NewLineWriter(c.std.err, redactor, "")
	errFile, _ := c.std.err.(*os.File)
	logger, err := newLogger(logSink, c.opts.logLevel, isTerminal(errFile))
	if err != nil {
		return nil, newUsageError(err)
	}
	cfg, err := loadConfig(c.opts.configPath, logger)
	if err != nil {
		return nil, err
	}
	redactor.AddValues(cfg.SecretValues()...)
	if name := strings.TrimSpace(cfg.Secrets.Bundle); name != "" {
		store := secrets.Store{
			Dir:            cfg.Secrets.Dir,
			AgeKeyPath:     cfg.Secrets.AgeKeyPath,
			SopsPath:       cfg.Secrets.SopsPath,
			AllowPlaintext: cfg.Secrets.AllowPlaintext,
		}
		bundle, err := store.Load(ctx, name)
		if err != nil {
			return nil, wrapCLIError(err, "load secrets bundle: "+err.Error(), "check secrets.bundle and secrets.age_key_path",
				"bundles are looked up in "+cfg.Secrets.Dir)
		}
		bundle.Apply(&cfg)
		redactor.AddValues(bundle.Values()...)
		logger.Debug("secrets bundle applied", "bundle", name)
	}
	if need.ssh {
		if err := c.ensureSSHCredential(&cfg); err != nil {
			return nil, err
		}
		redactor.AddValues(cfg.Target.Password)
	}
	if need.botToken && strings.TrimSpace(cfg.App.BotToken) == "" {
		return nil, newCLIError("bot token is not set", "set "+config.EnvBotToken+" or add app.bot_token to the secrets bundle")
	}
	if need.tunnel && strings.TrimSpace(cfg.Tunnel.Authtoken) == "" {
		return nil, newCLIError("tunnel authtoken is not set", "set "+config.EnvTunnelAuthtoken+" or add tunnel.authtoken to the secrets bundle")
	}
	return &environment{
		cfg:      cfg,
		redactor: redactor,
		logger:   logger,
		console:  newConsole(c.humanStream(), redactor),
		logSink:  logSink,
	}, nil
}

type credentialNeeds struct {
	ssh      bool
	botToken bool
	tunnel   bool
}

// newLogger writes human-readable lines to a terminal and JSON otherwise.
func newLogger(w io.Writer, level string, tty bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: use debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if tty {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func isTerminal(f *os.File) bool {
	return f != nil && isatty.IsTerminal(f.Fd())
}

func newConsole(w io.Writer, r *redact.Redactor) *console.Console {
	if f, ok := w.(*os.File); ok {
		return console.ForFile(f, r)
	}
	return console.New(w, r, false)
}

func loadConfig(path string, logger *slog.Logger) (config.Config, error) {
	if path == "" {
		path = config.DefaultConfig().ConfigPath
	}
	fileCfg, err := config.ReadFileConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, wrapCLIError(err, "config file not found: "+path, "create it or pass --config PATH")
		}
		return config.Config{}, wrapCLIError(err, err.Error(), "fix the YAML syntax in "+path)
	}
	warning, err := config.CheckConfigPermissions(path, fileCfg.HoldsCredentials())
	if err != nil {
		return config.Config{}, wrapCLIError(err, err.Error(), "chmod 600 "+path,
			"or move credentials to HOSTPROV_* variables or a secrets bundle")
	}
	if warning != "" {
		logger.Warn(warning)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, wrapCLIError(err, "invalid configuration: "+err.Error(), "fix "+path)
	}
	return cfg, nil
}

// ensureSSHCredential prompts for the SSH password when nothing else can
// authenticate and stdin is a terminal.
func (c *cli) ensureSSHCredential(cfg *config.Config) error {
	t := cfg.Target
	if strings.EqualFold(t.Host, remote.LocalHost) {
		return nil
	}
	if t.Password != "" || len(t.PrivateKey) > 0 || t.UseAgent {
		return nil
	}
	if c.std.in == nil || !term.IsTerminal(int(c.std.in.Fd())) {
		return newCLIError("no SSH credential configured", "set "+config.EnvSSHPassword+" or target.private_key_path",
			"target.use_agent: true authenticates with ssh-agent",
			"secrets.bundle can carry ssh.password or ssh.private_key")
	}
	fmt.Fprintf(c.std.err, "SSH password for %s@%s: ", t.User, t.Host)
	password, err := term.ReadPassword(int(c.std.in.Fd()))
	fmt.Fprintln(c.std.err)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	cfg.Target.Password = string(password)
	return nil
}

func targetFromConfig(t config.TargetConfig) remote.Target {
	return remote.Target{
		Host: t.Host,
		Port: t.Port,
		User: t.User,
		Credential: remote.Credential{
			Password:   t.Password,
			PrivateKey: t.PrivateKey,
			Passphrase: t.Passphrase,
			UseAgent:   t.UseAgent,
		},
		HostKeyPolicy:  remote.HostKeyPolicy(t.HostKeyPolicy),
		KnownHostsPath: t.KnownHostsPath,
		DialTimeout:    t.DialTimeout,
	}
}

// connect opens the session and wraps it in a Runner whose live output goes
// to the console. The caller closes the session.
func (e *environment) connect(ctx context.Context, m *metrics.Metrics) (remote.Session, *runner.Runner, error) {
	session, err := remote.Dial(ctx, targetFromConfig(e.cfg.Target), e.logger)
	if err != nil {
		return nil, nil, err
	}
	r := runner.New(session, runner.Config{
		Out:      e.console.Writer(),
		Redactor: e.redactor,
		Logger:   e.logger,
		OnRetry:  m.IncRetry,
	})
	e.logger.Info("connected", "target", session.String())
	return session, r, nil
}

// telemetry opens the run history. A history that cannot be opened is
// logged and skipped; it never blocks a deploy.
func (e *environment) telemetry(m *metrics.Metrics) (*pipeline.Telemetry, func()) {
	t := &pipeline.Telemetry{
		Metrics:  m,
		Redactor: e.redactor,
		Logger:   e.logger,
		Textfile: e.cfg.MetricsTextfile,
	}
	store, err := journal.Open(e.cfg.JournalPath)
	if err != nil {
		e.logger.Warn("run history unavailable", "path", e.cfg.JournalPath, "err", err)
		return t, func() {}
	}
	t.Journal = store
	return t, func() {
		if err := store.Close(); err != nil {
			e.logger.Warn("close run history", "err", err)
		}
	}
}

func (e *environment) close() {
	if e != nil && e.logSink != nil {
		_ = e.logSink.Flush()
	}
}
