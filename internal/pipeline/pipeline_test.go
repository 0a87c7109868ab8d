package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hostprov/hostprov/internal/activate"
	"github.com/hostprov/hostprov/internal/artifact"
	"github.com/hostprov/hostprov/internal/config"
	"github.com/hostprov/hostprov/internal/console"
	"github.com/hostprov/hostprov/internal/journal"
	"github.com/hostprov/hostprov/internal/metrics"
	"github.com/hostprov/hostprov/internal/redact"
	"github.com/hostprov/hostprov/internal/remote"
	"github.com/hostprov/hostprov/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBotToken    = "bot-token-for-tests"
	testTunnelToken = "tunnel-token-for-tests"
	testAppUnit     = "subscription-tracker.service"
)

// fakeHost simulates the state a deploy converges: installed runtime,
// checkout, files, units and the run lock.
type fakeHost struct {
	runtime   bool
	checkout  bool
	nginx     bool
	lockOwner string
	files     map[string]string
	modes     map[string]os.FileMode
	active    map[string]bool
	// tunnelBody is returned by the tunnel status API.
	tunnelBody string
	// fail answers any script containing the key with the result.
	fail          map[string]remote.Result
	indeterminate map[string]bool

	scripts []string
	clones  int
	pulls   int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		files:         map[string]string{},
		modes:         map[string]os.FileMode{},
		active:        map[string]bool{"trading-bot": true},
		fail:          map[string]remote.Result{},
		indeterminate: map[string]bool{},
	}
}

func ok(stdout string) remote.Result {
	return remote.Result{Stdout: stdout, ExitKnown: true}
}

// quoted returns the first single-quoted word in s.
func quoted(s string) string {
	start := strings.Index(s, "'")
	if start < 0 {
		return ""
	}
	end := strings.Index(s[start+1:], "'")
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

func (h *fakeHost) Run(_ context.Context, script string, _ runner.Options) (remote.Result, error) {
	h.scripts = append(h.scripts, script)
	for needle, res := range h.fail {
		if strings.Contains(script, needle) {
			return res, nil
		}
	}
	switch {
	case strings.Contains(script, lockAcquired):
		if strings.Contains(script, "\nrm -rf ") {
			h.lockOwner = ""
		}
		if h.lockOwner != "" {
			return ok(lockBusy + "\n" + h.lockOwner + "\n"), nil
		}
		marker := "printf '%s\\n' '"
		rest := script[strings.Index(script, marker)+len(marker):]
		h.lockOwner = rest[:strings.Index(rest, "'")]
		return ok(lockAcquired + "\n"), nil
	case strings.HasPrefix(script, "if grep -q"):
		runID, _, _ := strings.Cut(h.lockOwner, " ")
		if h.lockOwner != "" && strings.Contains(script, "'^"+runID+" '") {
			h.lockOwner = ""
		}
	case strings.Contains(script, " --version"):
		return ok("v20.11.0\n"), nil
	case strings.Contains(script, "apt-get install -y nodejs"):
		h.runtime = true
	case strings.Contains(script, "apt-get install -y nginx"):
		h.nginx = true
	case strings.Contains(script, "git clone"):
		h.clones++
		h.checkout = true
	case strings.Contains(script, "git pull"):
		h.pulls++
	case strings.HasPrefix(script, "systemctl status "):
		unit := quoted(script)
		if h.active[unit] {
			return ok(fmt.Sprintf("● %s\n     Active: active (running) since Sun 2026-10-18 10:00:00 UTC; 1s ago\n", unit)), nil
		}
		return remote.Result{Stdout: fmt.Sprintf("○ %s\n     Active: inactive (dead)\n", unit), ExitStatus: 3, ExitKnown: true}, nil
	case strings.HasPrefix(script, "systemctl restart "):
		h.active[quoted(script)] = true
	case strings.HasPrefix(script, "journalctl"):
		return ok("Oct 18 10:00:00 host node[42]: listening on 3001\n"), nil
	case strings.HasPrefix(script, "curl -s"):
		return ok(h.tunnelBody), nil
	}
	return ok(""), nil
}

func (h *fakeHost) Probe(_ context.Context, name, expr string) (runner.Presence, error) {
	if h.indeterminate[name] {
		return runner.Indeterminate, &runner.ProbeAmbiguityError{
			Name:   name,
			Result: remote.Result{Stderr: "ls: cannot access: Permission denied", ExitStatus: 2, ExitKnown: true},
		}
	}
	present := false
	switch name {
	case "node":
		present = h.runtime
	case "source tree":
		present = h.checkout
	case "nginx":
		present = h.nginx
	default:
		_, present = h.files[quoted(expr)]
	}
	if present {
		return runner.Present, nil
	}
	return runner.Absent, nil
}

func (h *fakeHost) WriteFile(_ context.Context, path string, mode os.FileMode, content []byte) error {
	h.files[path] = string(content)
	h.modes[path] = mode
	return nil
}

func (h *fakeHost) ReadFile(_ context.Context, path string) (string, error) {
	content, found := h.files[path]
	if !found {
		return "", fmt.Errorf("read %s: %w", path, os.ErrNotExist)
	}
	return content, nil
}

func (h *fakeHost) ran(needle string) int {
	n := 0
	for _, s := range h.scripts {
		if strings.Contains(s, needle) {
			n++
		}
	}
	return n
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Target.Host = "203.0.113.10"
	cfg.Target.User = "root"
	cfg.App.Dir = "/root/app"
	cfg.App.RepoURL = "https://example.com/acme/app.git"
	cfg.App.APIURL = "http://203.0.113.10:3001"
	cfg.App.BotToken = testBotToken
	cfg.Peers = []string{"trading-bot"}
	cfg.Proxy.SiteName = "app"
	cfg.Tunnel.Authtoken = testTunnelToken
	cfg.LockDir = "/var/lock/hostprov-app"
	return cfg
}

func newTestPipeline(host *fakeHost) (*Pipeline, *bytes.Buffer) {
	out := &bytes.Buffer{}
	ids := 0
	return &Pipeline{
		Exec:    host,
		Config:  testConfig(),
		Console: console.New(out, nil, false),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleep:   func(context.Context, time.Duration) error { return nil },
		NewID: func() string {
			ids++
			return fmt.Sprintf("run-%d", ids)
		},
	}, out
}

func statuses(report *Report) []Status {
	out := make([]Status, 0, len(report.Steps))
	for _, s := range report.Steps {
		out = append(out, s.Status)
	}
	return out
}

const tunnelStatus = `{"tunnels":[` +
	`{"name":"command_line (http)","public_url":"http://a1b2c3.ngrok-free.app","proto":"http"},` +
	`{"name":"command_line","public_url":"https://a1b2c3.ngrok-free.app","proto":"https"}]}`

func TestDeployProvisionsFreshHost(t *testing.T) {
	host := newFakeHost()
	p, out := newTestPipeline(host)

	report, err := p.Deploy(context.Background(), Options{})
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Equal(t, "run-1", report.RunID)
	require.Equal(t, []Status{
		StatusOK, StatusOK, StatusOK, StatusOK, StatusOK, StatusOK,
		StatusOK, StatusOK, StatusOK, StatusOK, StatusOK,
	}, statuses(report))
	require.Equal(t, "cloned master", report.Steps[3].Detail)

	require.True(t, host.runtime)
	require.Equal(t, 1, host.clones)
	require.Zero(t, host.pulls)
	require.True(t, host.active[testAppUnit])
	require.Empty(t, host.lockOwner, "lock must be released")

	backendEnv := host.files["/root/app/backend/.env"]
	require.Contains(t, backendEnv, "BOT_TOKEN="+testBotToken)
	require.Contains(t, backendEnv, "WEBAPP_URL=http://203.0.113.10\n")
	require.Contains(t, backendEnv, "PORT=3001\n")
	require.Equal(t, os.FileMode(0o600), host.modes["/root/app/backend/.env"])
	require.Equal(t, "VITE_API_URL=http://203.0.113.10:3001\n", host.files["/root/app/.env"])
	require.Contains(t, host.files["/root/app/backend/data/db.json"], "{")
	require.Contains(t, host.files[filepath.Join(artifact.UnitDir, testAppUnit)], "WorkingDirectory=/root/app/backend")

	require.Contains(t, out.String(), "0. acquire run lock")
	require.Contains(t, out.String(), "10. verify")
	require.Contains(t, out.String(), "listening on 3001")
}

func TestDeployIsIdempotent(t *testing.T) {
	host := newFakeHost()
	p, _ := newTestPipeline(host)

	_, err := p.Deploy(context.Background(), Options{})
	require.NoError(t, err)
	dataPath := "/root/app/backend/data/db.json"
	host.files[dataPath] = `{"users":[{"id":1}]}` + "\n"
	first := map[string]string{}
	for k, v := range host.files {
		first[k] = v
	}

	report, err := p.Deploy(context.Background(), Options{})
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Equal(t, 1, host.clones, "an existing checkout is pulled, not recloned")
	require.Equal(t, 1, host.pulls)
	require.Equal(t, StatusSkipped, report.Steps[2].Status)
	require.Contains(t, report.Steps[2].Detail, "v20.11.0")
	require.Equal(t, "pulled master", report.Steps[3].Detail)
	require.Equal(t, StatusSkipped, report.Steps[7].Status)
	require.Equal(t, first, host.files, "second run converges on the same artifacts")
	require.Equal(t, 1, host.ran("apt-get install -y nodejs"))
}

func TestDeployResetDataOverwritesStore(t *testing.T) {
	host := newFakeHost()
	dataPath := "/root/app/backend/data/db.json"
	host.files[dataPath] = `{"users":[{"id":1}]}` + "\n"
	p, out := newTestPipeline(host)

	report, err := p.Deploy(context.Background(), Options{ResetData: true})
	require.NoError(t, err)
	require.Equal(t, "reset "+dataPath, report.Steps[7].Detail)
	require.Equal(t, artifact.DataSeed(dataPath, "").Content, []byte(host.files[dataPath]))
	require.Contains(t, out.String(), "reset")
}

func TestDeployHaltsAtFailingStep(t *testing.T) {
	host := newFakeHost()
	host.fail["npm run build:all"] = remote.Result{
		Stdout:     "> build\n",
		Stderr:     "src/index.ts(3,1): error TS2304: Cannot find name 'foo'.\n",
		ExitStatus: 2,
		ExitKnown:  true,
	}
	p, out := newTestPipeline(host)

	report, err := p.Deploy(context.Background(), Options{})
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, 5, stepErr.Index)
	require.Equal(t, "build", stepErr.Name)
	require.Contains(t, stepErr.Result.Stderr, "TS2304")

	failed, found := report.Failed()
	require.True(t, found)
	require.Equal(t, 5, failed.Index)
	require.Len(t, report.Steps, 6)
	require.False(t, report.Healthy)
	require.NotEmpty(t, report.Error)

	require.Zero(t, host.ran("systemctl restart"), "nothing after the failing step runs")
	require.NotContains(t, host.files, "/root/app/backend/.env")
	require.Empty(t, host.lockOwner)
	require.Contains(t, out.String(), "stderr of failing command")
	require.Contains(t, out.String(), "TS2304")
}

func TestDeployHaltsWhenExitStatusUnknown(t *testing.T) {
	host := newFakeHost()
	host.fail["npm run build:all"] = remote.Result{Stdout: "> build\n"}
	p, _ := newTestPipeline(host)

	report, err := p.Deploy(context.Background(), Options{})
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, 5, stepErr.Index)
	require.Contains(t, err.Error(), "exit status unknown")
	require.Len(t, report.Steps, 6)
	require.Zero(t, host.ran("systemctl restart"))
}

func TestReportIsRedacted(t *testing.T) {
	host := newFakeHost()
	host.fail["npm run install:all"] = remote.Result{
		Stdout:     "using token " + testBotToken + "\n",
		Stderr:     "fatal: " + testBotToken + "\n",
		ExitStatus: 1,
		ExitKnown:  true,
	}
	host.fail["systemctl status 'trading-bot'"] = remote.Result{Stderr: "peer " + testBotToken + "\n", ExitStatus: 1, ExitKnown: true}
	p, out := newTestPipeline(host)
	p.Redactor = redact.New(nil)
	p.Redactor.AddValues(testBotToken)
	p.Console = console.New(out, p.Redactor, false)

	report, err := p.Deploy(context.Background(), Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), testBotToken, "the error itself stays raw for callers")

	failed, found := report.Failed()
	require.True(t, found)
	require.Equal(t, "install dependencies", failed.Name)
	require.Contains(t, failed.Stderr, "fatal: "+redact.Placeholder)

	body, err := json.Marshal(report)
	require.NoError(t, err)
	require.NotContains(t, string(body), testBotToken)
	require.NotContains(t, out.String(), testBotToken)
	require.Contains(t, report.Error, redact.Placeholder)
}

func TestDeployHaltsOnIndeterminateProbe(t *testing.T) {
	host := newFakeHost()
	host.runtime = true
	host.indeterminate["source tree"] = true
	p, _ := newTestPipeline(host)

	_, err := p.Deploy(context.Background(), Options{})
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, 3, stepErr.Index)
	var probeErr *runner.ProbeAmbiguityError
	require.True(t, errors.As(err, &probeErr))
	require.Contains(t, stepErr.Result.Stderr, "Permission denied")

	require.Zero(t, host.ran("git clone"))
	require.Zero(t, host.ran("rm -rf '/root/app'"), "an unknown checkout state must never be removed")
}

func TestDeployRefusesLockedHost(t *testing.T) {
	host := newFakeHost()
	holder := "run-other 2026-10-18T09:58:00Z laptop"
	host.lockOwner = holder
	p, _ := newTestPipeline(host)

	report, err := p.Deploy(context.Background(), Options{})
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	require.Equal(t, holder, locked.Holder)
	require.Contains(t, err.Error(), "--force-unlock")
	require.Len(t, report.Steps, 1)
	require.Zero(t, host.ran("git "))
	require.Equal(t, holder, host.lockOwner, "another run's lock is left alone")

	report, err = p.Deploy(context.Background(), Options{ForceUnlock: true})
	require.NoError(t, err)
	require.Equal(t, "/var/lock/hostprov-app (forced)", report.Steps[0].Detail)
	require.Empty(t, host.lockOwner)
}

func TestDeployWarnsOnStoppedPeer(t *testing.T) {
	host := newFakeHost()
	host.active["trading-bot"] = false
	p, out := newTestPipeline(host)

	report, err := p.Deploy(context.Background(), Options{})
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Equal(t, StatusWarn, report.Steps[1].Status)
	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0], "inactive (dead)")
	require.Contains(t, out.String(), "inactive (dead)")
}

func TestDeployWithExposePublishesEndpoint(t *testing.T) {
	host := newFakeHost()
	host.tunnelBody = tunnelStatus
	p, out := newTestPipeline(host)

	report, err := p.Deploy(context.Background(), Options{Expose: true})
	require.NoError(t, err)
	require.Len(t, report.Steps, 15)
	require.True(t, report.Healthy)
	require.NotNil(t, report.Endpoint)
	require.Equal(t, "https://a1b2c3.ngrok-free.app", report.Endpoint.PublicURL)
	require.Equal(t, 80, report.Endpoint.LocalPort)

	require.True(t, host.nginx)
	require.True(t, host.active["ngrok"])
	require.True(t, host.active["nginx"])
	require.Contains(t, host.files, "/etc/nginx/sites-available/app")
	require.Contains(t, host.files[filepath.Join(artifact.UnitDir, "ngrok.service")], "http 80")
	require.Contains(t, host.files["/root/app/backend/.env"], "WEBAPP_URL=https://a1b2c3.ngrok-free.app\n")
	require.Equal(t, 2, host.ran("systemctl restart '"+testAppUnit+"'"), "the app restarts to pick up the public URL")

	require.Contains(t, out.String(), "Public URL")
	require.Contains(t, out.String(), "https://a1b2c3.ngrok-free.app/api")
}

func TestRedeployKeepsPublishedURL(t *testing.T) {
	host := newFakeHost()
	host.tunnelBody = tunnelStatus
	p, _ := newTestPipeline(host)

	_, err := p.Deploy(context.Background(), Options{Expose: true})
	require.NoError(t, err)
	_, err = p.Deploy(context.Background(), Options{})
	require.NoError(t, err)
	require.Contains(t, host.files["/root/app/backend/.env"], "WEBAPP_URL=https://a1b2c3.ngrok-free.app\n")
}

func TestExposeReportsRawStatusWhenNoURL(t *testing.T) {
	host := newFakeHost()
	host.active[testAppUnit] = true
	host.tunnelBody = `{"tunnels":[]}`
	p, out := newTestPipeline(host)

	report, err := p.Expose(context.Background(), false)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, 2, stepErr.Index)
	require.Equal(t, "expose tunnel", stepErr.Name)
	var extract *activate.EndpointExtractionError
	require.True(t, errors.As(err, &extract))
	require.Equal(t, `{"tunnels":[]}`, extract.Raw)
	require.Nil(t, report.Endpoint)
	require.Contains(t, out.String(), "raw tunnel status response")
	require.Empty(t, host.lockOwner)
}

func TestExposeRequiresBotToken(t *testing.T) {
	host := newFakeHost()
	host.active[testAppUnit] = true
	host.tunnelBody = tunnelStatus
	p, _ := newTestPipeline(host)
	p.Config.App.BotToken = ""

	_, err := p.Expose(context.Background(), false)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, "publish endpoint", stepErr.Name)
	require.Contains(t, err.Error(), "bot token is required")
}

func TestPlan(t *testing.T) {
	p, _ := newTestPipeline(newFakeHost())

	plan := p.Plan(Options{})
	require.Len(t, plan, 11)
	require.Equal(t, "acquire run lock", plan[0].Name)
	require.Equal(t, "mkdir /var/lock/hostprov-app", plan[0].Action)
	require.Contains(t, plan[3].Action, "git pull origin master")
	require.Equal(t, "write /root/app/backend/data/db.json if absent", plan[7].Action)

	plan = p.Plan(Options{Expose: true, ResetData: true, ForceUnlock: true})
	require.Len(t, plan, 15)
	require.Contains(t, plan[0].Action, "remove any existing lock")
	require.Contains(t, plan[7].Action, "overwrite")
	require.Equal(t, "configure reverse proxy", plan[11].Name)
	require.Contains(t, plan[11].Action, "/etc/nginx/sites-available/app")
	for i, s := range plan {
		assert.Equal(t, i, s.Index)
	}
}

func TestTelemetryRecordsRun(t *testing.T) {
	dir := t.TempDir()
	store, err := journal.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	redactor := redact.New(nil)
	redactor.AddValues(testBotToken)
	textfile := filepath.Join(dir, "hostprov.prom")

	host := newFakeHost()
	host.fail["npm run install:all"] = remote.Result{Stderr: "npm ERR! 401 token " + testBotToken + "\n", ExitStatus: 1, ExitKnown: true}
	p, _ := newTestPipeline(host)
	p.Recorder = &Telemetry{
		Journal:  store,
		Metrics:  metrics.New(),
		Redactor: redactor,
		Logger:   p.Logger,
		Textfile: textfile,
	}

	_, err = p.Deploy(context.Background(), Options{})
	require.Error(t, err)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, journal.StatusFailed, run.Status)
	require.Equal(t, CommandDeploy, run.Command)
	require.Equal(t, "203.0.113.10", run.Host)
	require.Len(t, run.Steps, 5)
	require.Equal(t, "install dependencies", run.Steps[4].Name)
	require.Equal(t, string(StatusFailed), run.Steps[4].Status)
	require.NotContains(t, run.Error, testBotToken)

	host.fail = map[string]remote.Result{}
	_, err = p.Deploy(context.Background(), Options{})
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	prom, err := os.ReadFile(textfile)
	require.NoError(t, err)
	require.Contains(t, string(prom), "hostprov_run_total")
	require.Contains(t, string(prom), `result="failed"`)
	require.Contains(t, string(prom), `result="succeeded"`)
}

func TestEnvLookup(t *testing.T) {
	body := "BOT_TOKEN=abc\nWEBAPP_URL=\"https://x.example/a b\"\n# comment\nPORT=3001\n"
	require.Equal(t, "https://x.example/a b", envLookup(body, "WEBAPP_URL"))
	require.Equal(t, "3001", envLookup(body, "PORT"))
	require.Empty(t, envLookup(body, "MISSING"))
}
