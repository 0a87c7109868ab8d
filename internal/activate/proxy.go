package activate

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/hostprov/hostprov/internal/artifact"
	"github.com/hostprov/hostprov/internal/runner"
)

// DefaultProxyInstall installs nginx on Debian-family hosts.
var DefaultProxyInstall = []string{"DEBIAN_FRONTEND=noninteractive apt-get install -y nginx"}

// Proxy fronts the application with an nginx site.
type Proxy struct {
	Exec       Executor
	Supervisor *Supervisor
	Logger     *slog.Logger
	// Install runs when nginx is absent. Defaults to DefaultProxyInstall.
	Install []string
}

// Ensure installs nginx if needed, writes and enables site, removes the
// distribution default site, validates the configuration and restarts nginx.
func (p *Proxy) Ensure(ctx context.Context, site artifact.Site) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	presence, err := p.Exec.Probe(ctx, "nginx", "command -v nginx")
	if err != nil {
		return err
	}
	if presence == runner.Absent {
		logger.Info("installing nginx")
		install := p.Install
		if len(install) == 0 {
			install = DefaultProxyInstall
		}
		for _, script := range install {
			if err := p.run(ctx, script); err != nil {
				return err
			}
		}
	}

	file, err := artifact.NginxSite(site)
	if err != nil {
		return err
	}
	if err := p.Exec.WriteFile(ctx, file.Path, file.Mode, file.Content); err != nil {
		return err
	}
	if err := p.run(ctx, fmt.Sprintf("ln -sfn %s %s", runner.Quote(site.AvailablePath()), runner.Quote(site.EnabledPath()))); err != nil {
		return err
	}
	if err := p.run(ctx, "rm -f "+runner.Quote(path.Join(artifact.NginxEnabledDir, "default"))); err != nil {
		return err
	}
	if err := p.run(ctx, "nginx -t"); err != nil {
		return fmt.Errorf("nginx configuration rejected: %w", err)
	}
	return p.Supervisor.Restart(ctx, "nginx")
}

func (p *Proxy) run(ctx context.Context, script string) error {
	res, err := p.Exec.Run(ctx, script, runner.Options{})
	if err != nil {
		return err
	}
	return runner.CheckExit(script, res)
}
