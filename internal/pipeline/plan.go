package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/hostprov/hostprov/internal/artifact"
)

// PlannedStep describes what a step would do, without touching the host.
type PlannedStep struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Action string `json:"action"`
}

// Plan lists the steps Deploy would run with opts.
func (p *Pipeline) Plan(opts Options) []PlannedStep {
	cfg := p.Config
	app := cfg.App
	unit := p.appService().UnitName()

	lock := "mkdir " + cfg.LockDir
	if opts.ForceUnlock {
		lock = "remove any existing lock, then " + lock
	}
	peers := "none configured"
	if len(cfg.Peers) > 0 {
		peers = "systemctl status " + strings.Join(cfg.Peers, ", ")
	}
	data := "write " + app.DataPath() + " if absent"
	if opts.ResetData {
		data = "overwrite " + app.DataPath() + " with the seed"
	}

	actions := [][2]string{
		{"acquire run lock", lock},
		{"check peer services", peers + " (warn only)"},
		{"ensure runtime", fmt.Sprintf("probe command -v %s; if absent run %d install command(s)", cfg.Runtime.Name, len(cfg.Runtime.InstallCommands))},
		{"ensure source", fmt.Sprintf("probe %s; clone %s if absent, else git pull origin %s", path.Join(app.Dir, ".git"), app.RepoURL, app.Branch)},
		{"install dependencies", "cd " + app.Dir + " && " + app.InstallCommand},
		{"build", "cd " + app.Dir + " && " + app.BuildCommand},
		{"write config artifacts", "write " + path.Join(app.Dir, ".env") + " and " + path.Join(app.BackendDir(), ".env")},
		{"bootstrap data store", data},
		{"install service unit", "write " + path.Join(artifact.UnitDir, unit)},
		{"activate service", "systemctl daemon-reload, enable and restart " + unit},
		{"verify", fmt.Sprintf("poll %s until active (running), up to %s", unit, cfg.Verify.Deadline)},
	}
	if opts.Expose {
		actions = append(actions, p.exposeActions()...)
	}
	plan := make([]PlannedStep, 0, len(actions))
	for i, a := range actions {
		plan = append(plan, PlannedStep{Index: i, Name: a[0], Action: a[1]})
	}
	return plan
}

func (p *Pipeline) exposeActions() [][2]string {
	cfg := p.Config
	proxy := "skipped (proxy disabled)"
	if cfg.Proxy.Enabled {
		site := p.site()
		proxy = "ensure nginx, write " + site.AvailablePath() + ", nginx -t, restart nginx"
	}
	return [][2]string{
		{"configure reverse proxy", proxy},
		{"expose tunnel", fmt.Sprintf("install %s unit forwarding port %d, read %s", cfg.Tunnel.Unit, cfg.Tunnel.UpstreamPort, cfg.Tunnel.StatusURL)},
		{"publish endpoint", "rewrite " + path.Join(cfg.App.BackendDir(), ".env") + " with the public URL and restart " + p.appService().UnitName()},
		{"verify exposure", "poll the app and tunnel units until active (running)"},
	}
}
