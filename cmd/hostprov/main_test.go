package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hostprov/hostprov/internal/buildinfo"
	"github.com/hostprov/hostprov/internal/config"
	"github.com/hostprov/hostprov/internal/journal"
	"github.com/hostprov/hostprov/internal/pipeline"
	"github.com/hostprov/hostprov/internal/redact"
	"github.com/hostprov/hostprov/internal/remote"
	"github.com/stretchr/testify/require"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, streams{out: &out, err: &errOut})
	return cliResult{code: code, stdout: out.String(), stderr: errOut.String()}
}

// isolate points every default path and credential variable away from the
// developer's machine.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	for _, key := range []string{
		config.EnvSSHPassword, config.EnvSSHPassphrase, config.EnvBotToken,
		config.EnvTunnelAuthtoken, config.EnvHost, config.EnvUser,
	} {
		t.Setenv(key, "")
	}
	return dir
}

func writeConfig(t *testing.T, dir, extra string, mode os.FileMode) string {
	t.Helper()
	body := "target:\n" +
		"  host: 203.0.113.10\n" +
		"  user: root\n" +
		"app:\n" +
		"  repo_url: https://example.com/acme/app.git\n" +
		"journal_path: " + filepath.Join(dir, "history.db") + "\n" +
		extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod config: %v", err)
	}
	return path
}

func TestRunUsageAndVersion(t *testing.T) {
	res := runCLI(t)
	require.Equal(t, exitOK, res.code)
	require.Contains(t, res.stdout, "Usage:")

	res = runCLI(t, "--help")
	require.Equal(t, exitOK, res.code)
	require.Contains(t, res.stdout, "deploy [--expose]")

	res = runCLI(t, "--version")
	require.Equal(t, exitOK, res.code)
	require.Equal(t, buildinfo.String()+"\n", res.stdout)

	res = runCLI(t, "--json", "version")
	require.Equal(t, exitOK, res.code)
	var info buildinfo.Info
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &info))
	require.NotEmpty(t, info.GoVersion)
}

func TestRunUsageErrorsExitTwo(t *testing.T) {
	isolate(t)
	cases := [][]string{
		{"--no-such-flag"},
		{"frobnicate"},
		{"deploy", "--bogus"},
		{"deploy", "extra"},
		{"version", "extra"},
		{"--deadline", "-1s", "deploy"},
		{"diagnose", "--run-seconds", "-3"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			res := runCLI(t, args...)
			require.Equal(t, exitUsage, res.code, "stderr: %s", res.stderr)
		})
	}
}

func TestRunInvalidLogLevel(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "", 0o600)
	res := runCLI(t, "--config", path, "--log-level", "loud", "deploy", "--dry-run")
	require.Equal(t, exitUsage, res.code)
	require.Contains(t, res.stderr, "invalid --log-level")
}

func TestDeployDryRunPrintsPlan(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "", 0o600)

	res := runCLI(t, "--config", path, "deploy", "--dry-run")
	require.Equal(t, exitOK, res.code, "stderr: %s", res.stderr)
	require.Contains(t, res.stdout, "acquire run lock")
	require.Contains(t, res.stdout, "git pull origin master")
	require.Contains(t, res.stdout, "/root/subscription-tracker/backend/data/db.json")
	require.NotContains(t, res.stdout, "configure reverse proxy")

	res = runCLI(t, "--config", path, "--json", "deploy", "--dry-run", "--expose", "--force-unlock")
	require.Equal(t, exitOK, res.code, "stderr: %s", res.stderr)
	var plan []pipeline.PlannedStep
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &plan))
	require.Len(t, plan, 15)
	require.Contains(t, plan[0].Action, "remove any existing lock")
	require.Equal(t, "verify exposure", plan[14].Name)
}

func TestMissingConfigHasNextStep(t *testing.T) {
	dir := isolate(t)
	res := runCLI(t, "--config", filepath.Join(dir, "absent.yaml"), "deploy", "--dry-run")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, "error: config file not found")
	require.Contains(t, res.stderr, "next: create it or pass --config PATH")
}

func TestConfigWithCredentialsMustBePrivate(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "tunnel:\n  authtoken: not-a-real-token\n", 0o644)
	res := runCLI(t, "--config", path, "deploy", "--dry-run")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, "must not be accessible by others")
	require.Contains(t, res.stderr, "next: chmod 600")
	require.NotContains(t, res.stderr, "not-a-real-token")
}

func TestInvalidConfigIsReported(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "verify:\n  deadline: soon\n", 0o600)
	res := runCLI(t, "--config", path, "deploy", "--dry-run")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, "verify.deadline")
}

func TestDeployWithoutCredentialFailsBeforeConnecting(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "", 0o600)
	res := runCLI(t, "--config", path, "deploy")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, "no SSH credential configured")
	require.Contains(t, res.stderr, config.EnvSSHPassword)
}

func TestDeployRequiresBotToken(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "", 0o600)
	t.Setenv(config.EnvSSHPassword, "password-for-tests")
	res := runCLI(t, "--config", path, "deploy")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, "bot token is not set")
	require.NotContains(t, res.stderr, "password-for-tests")
}

// writeLocalConfig targets the local machine with a runtime whose install
// prints the bot token and fails.
func writeLocalConfig(t *testing.T, dir string) string {
	t.Helper()
	body := "target:\n" +
		"  host: local\n" +
		"app:\n" +
		"  repo_url: https://example.com/acme/app.git\n" +
		"runtime:\n" +
		"  name: no-such-runtime-xyz\n" +
		"  install_commands:\n" +
		"    - 'echo \"fatal: $" + config.EnvBotToken + "\" >&2; exit 1'\n" +
		"lock_dir: " + filepath.Join(dir, "lock") + "\n" +
		"journal_path: " + filepath.Join(dir, "history.db") + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDeployFailureDoesNotLeakSecrets(t *testing.T) {
	const token = "cli-bot-token-for-tests"
	dir := isolate(t)
	path := writeLocalConfig(t, dir)
	t.Setenv(config.EnvBotToken, token)

	res := runCLI(t, "--config", path, "deploy")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, "error: step 2 (ensure runtime)")
	require.Contains(t, res.stderr, "fatal: "+redact.Placeholder)
	require.NotContains(t, res.stderr, token)
	require.NotContains(t, res.stdout, token)

	res = runCLI(t, "--config", path, "--json", "deploy")
	require.Equal(t, exitFailure, res.code)
	require.NotContains(t, res.stdout, token)
	require.NotContains(t, res.stderr, token)
	var report pipeline.Report
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &report))
	require.Contains(t, report.Error, redact.Placeholder)
	failed, found := report.Failed()
	require.True(t, found)
	require.Equal(t, 2, failed.Index)
	require.Contains(t, failed.Stderr, redact.Placeholder)
}

func TestHistory(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "", 0o600)

	res := runCLI(t, "--config", path, "history")
	require.Equal(t, exitOK, res.code, "stderr: %s", res.stderr)
	require.Contains(t, res.stdout, "No runs recorded.")

	store, err := journal.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	ctx := context.Background()
	started := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.BeginRun(ctx, "run-abc", "203.0.113.10", "deploy", started))
	require.NoError(t, store.RecordStep(ctx, journal.Step{
		RunID: "run-abc", Index: 0, Name: "acquire run lock", Status: "ok",
		Detail: "/var/lock/hostprov-app", Duration: 120 * time.Millisecond, StartedAt: started,
	}))
	require.NoError(t, store.FinishRun(ctx, "run-abc", journal.StatusSucceeded, "https://a1b2c3.ngrok-free.app", "", started.Add(95*time.Second)))
	require.NoError(t, store.Close())

	res = runCLI(t, "--config", path, "history")
	require.Equal(t, exitOK, res.code, "stderr: %s", res.stderr)
	require.Contains(t, res.stdout, "run-abc")
	require.Contains(t, res.stdout, "1m35s")
	require.Contains(t, res.stdout, "https://a1b2c3.ngrok-free.app")

	res = runCLI(t, "--config", path, "history", "run-abc")
	require.Equal(t, exitOK, res.code, "stderr: %s", res.stderr)
	require.Contains(t, res.stdout, "acquire run lock")
	require.Contains(t, res.stdout, "/var/lock/hostprov-app")

	res = runCLI(t, "--config", path, "--json", "history")
	require.Equal(t, exitOK, res.code)
	var runs []journal.Run
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, journal.StatusSucceeded, runs[0].Status)

	res = runCLI(t, "--config", path, "history", "run-missing")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, `run "run-missing" not found`)
}

func TestDescribeErrorAdvice(t *testing.T) {
	locked := &pipeline.StepError{Index: 0, Name: "acquire run lock", Err: &pipeline.LockedError{Dir: "/var/lock/hostprov-app", Holder: "run-1"}}
	msg, next, hints := describeError(locked)
	require.Contains(t, msg, "locked by another run")
	require.Equal(t, "wait for the other run to finish", next)
	require.Contains(t, hints, "if that run is dead, rerun with --force-unlock")

	conn := &remote.ConnectionError{Addr: "203.0.113.10:22", Reason: "dial", Err: errors.New("connection refused")}
	_, next, _ = describeError(conn)
	require.Contains(t, next, "target.host")

	wrapped := wrapCLIError(context.DeadlineExceeded, "deploy timed out", "")
	msg, next, _ = describeError(wrapped)
	require.Equal(t, "deploy timed out", msg)
	require.Contains(t, next, "--deadline")

	var buf bytes.Buffer
	printError(&buf, "boom", "try again", []string{"a", "a", " "})
	require.Equal(t, "error: boom\nnext: try again\nhint: a\n", buf.String())
}
