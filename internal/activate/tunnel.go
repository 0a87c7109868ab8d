package activate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/hostprov/hostprov/internal/artifact"
	"github.com/hostprov/hostprov/internal/runner"
)

const (
	defaultTunnelUnit      = "ngrok"
	defaultTunnelBinary    = "/usr/bin/ngrok"
	defaultTunnelStatusURL = "http://127.0.0.1:4040/api/tunnels"
	defaultUpstreamPort    = 80
)

// ErrNoPublicURL is returned when a status body carries no public_url.
var ErrNoPublicURL = errors.New("no public_url in tunnel status")

var publicURLRE = regexp.MustCompile(`"public_url"\s*:\s*"([^"]+)"`)

// ExtractPublicURL pulls the public URL out of a tunnel status API body,
// preferring an https endpoint when several tunnels are listed.
func ExtractPublicURL(body string) (string, error) {
	matches := publicURLRE.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return "", ErrNoPublicURL
	}
	for _, m := range matches {
		if strings.HasPrefix(m[1], "https://") {
			return m[1], nil
		}
	}
	return matches[0][1], nil
}

// Endpoint is the publicly reachable address of the exposed service.
type Endpoint struct {
	PublicURL string `json:"public_url"`
	LocalPort int    `json:"local_port"`
}

// EndpointExtractionError reports that no public URL could be read from the
// tunnel status API before the deadline. Raw is the last response body.
type EndpointExtractionError struct {
	StatusURL string
	Raw       string
	Err       error
}

func (e *EndpointExtractionError) Error() string {
	return fmt.Sprintf("extract public url from %s: %v", e.StatusURL, e.Err)
}

func (e *EndpointExtractionError) Unwrap() error { return e.Err }

// Tunnel runs a tunnel client as a systemd unit and reads back its public
// endpoint.
type Tunnel struct {
	Exec         Executor
	Supervisor   *Supervisor
	Logger       *slog.Logger
	Unit         string
	Binary       string
	UpstreamPort int
	StatusURL    string
	Authtoken    string
	Backoff      Backoff
}

func (t *Tunnel) unit() string {
	if u := strings.TrimSpace(t.Unit); u != "" {
		return u
	}
	return defaultTunnelUnit
}

func (t *Tunnel) binary() string {
	if b := strings.TrimSpace(t.Binary); b != "" {
		return b
	}
	return defaultTunnelBinary
}

func (t *Tunnel) upstreamPort() int {
	if t.UpstreamPort > 0 {
		return t.UpstreamPort
	}
	return defaultUpstreamPort
}

func (t *Tunnel) statusURL() string {
	if u := strings.TrimSpace(t.StatusURL); u != "" {
		return u
	}
	return defaultTunnelStatusURL
}

func (t *Tunnel) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Expose configures the client, (re)starts its unit and polls the status API
// until a public URL appears.
func (t *Tunnel) Expose(ctx context.Context) (Endpoint, error) {
	if strings.TrimSpace(t.Authtoken) == "" {
		return Endpoint{}, errors.New("tunnel authtoken is required")
	}
	bin := t.binary()
	if err := t.run(ctx, fmt.Sprintf("%s config add-authtoken %s", runner.Quote(bin), runner.Quote(t.Authtoken)), true); err != nil {
		return Endpoint{}, fmt.Errorf("configure tunnel authtoken: %w", err)
	}
	if _, err := t.Exec.Run(ctx, fmt.Sprintf("pkill -x %s || true", runner.Quote(path.Base(bin))), runner.Options{Silent: true}); err != nil {
		return Endpoint{}, err
	}

	unit, err := artifact.ServiceUnit(artifact.TunnelService(t.unit(), bin, t.upstreamPort()))
	if err != nil {
		return Endpoint{}, err
	}
	if err := t.Supervisor.InstallUnit(ctx, unit); err != nil {
		return Endpoint{}, err
	}
	if err := t.Supervisor.Reload(ctx); err != nil {
		return Endpoint{}, err
	}
	if err := t.Supervisor.Enable(ctx, t.unit()); err != nil {
		return Endpoint{}, err
	}
	if err := t.Supervisor.Restart(ctx, t.unit()); err != nil {
		return Endpoint{}, err
	}
	return t.ReadEndpoint(ctx)
}

// ReadEndpoint polls the status API with backoff.
func (t *Tunnel) ReadEndpoint(ctx context.Context) (Endpoint, error) {
	statusURL := t.statusURL()
	script := "curl -s " + runner.Quote(statusURL)
	var raw, url string
	var lastErr error = ErrNoPublicURL
	err := poll(ctx, t.Backoff, t.Supervisor.Sleep, func(ctx context.Context) (bool, error) {
		res, err := t.Exec.Run(ctx, script, runner.Options{Silent: true, Idempotent: true})
		if err != nil {
			return false, err
		}
		raw = res.Stdout
		if res.Failed() {
			lastErr = runner.CheckExit(script, res)
			return false, nil
		}
		found, err := ExtractPublicURL(raw)
		if err != nil {
			lastErr = err
			return false, nil
		}
		url = found
		return true, nil
	})
	if err != nil {
		if errors.Is(err, errPollDeadline) {
			err = lastErr
		}
		return Endpoint{}, &EndpointExtractionError{StatusURL: statusURL, Raw: raw, Err: err}
	}
	t.logger().Info("tunnel endpoint ready", "public_url", url)
	return Endpoint{PublicURL: url, LocalPort: t.upstreamPort()}, nil
}

func (t *Tunnel) run(ctx context.Context, script string, silent bool) error {
	res, err := t.Exec.Run(ctx, script, runner.Options{Silent: silent})
	if err != nil {
		return err
	}
	return runner.CheckExit("tunnel command", res)
}
