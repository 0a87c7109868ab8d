package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hostprov/hostprov/internal/activate"
	"github.com/hostprov/hostprov/internal/artifact"
	"github.com/hostprov/hostprov/internal/runner"
)

func (p *Pipeline) deploySteps(opts Options) []step {
	return []step{
		{name: "check peer services", soft: true, run: p.checkPeers},
		{name: "ensure runtime", run: p.ensureRuntime},
		{name: "ensure source", run: p.ensureSource},
		{name: "install dependencies", run: func(ctx context.Context) (outcome, error) {
			return p.inApp(ctx, "install dependencies", p.Config.App.InstallCommand)
		}},
		{name: "build", run: func(ctx context.Context) (outcome, error) {
			return p.inApp(ctx, "build", p.Config.App.BuildCommand)
		}},
		{name: "write config artifacts", run: p.writeConfig},
		{name: "bootstrap data store", run: func(ctx context.Context) (outcome, error) {
			return p.bootstrapData(ctx, opts.ResetData)
		}},
		{name: "install service unit", run: p.installUnit},
		{name: "activate service", run: p.activateService},
		{name: "verify", run: p.verify},
	}
}

func (p *Pipeline) exposeSteps() []step {
	var endpoint activate.Endpoint
	return []step{
		{name: "configure reverse proxy", run: p.configureProxy},
		{name: "expose tunnel", run: func(ctx context.Context) (outcome, error) {
			ep, err := p.tunnel().Expose(ctx)
			if err != nil {
				var extract *activate.EndpointExtractionError
				if errors.As(err, &extract) {
					p.console().Section("raw tunnel status response", extract.Raw, "")
				}
				return outcome{}, err
			}
			endpoint = ep
			return done(ep.PublicURL)
		}},
		{name: "publish endpoint", run: func(ctx context.Context) (outcome, error) {
			return p.publishEndpoint(ctx, endpoint)
		}},
		{name: "verify exposure", run: func(ctx context.Context) (outcome, error) {
			return p.verifyExposure(ctx, endpoint)
		}},
	}
}

func (p *Pipeline) checkPeers(ctx context.Context) (outcome, error) {
	if len(p.Config.Peers) == 0 {
		return skipped("no peer services configured")
	}
	sup := p.supervisor()
	var states, unhealthy []string
	for _, peer := range p.Config.Peers {
		st, err := sup.Status(ctx, peer)
		if err != nil {
			return outcome{}, fmt.Errorf("status of %s: %w", peer, err)
		}
		states = append(states, st.String())
		if st.Health() != activate.Healthy {
			unhealthy = append(unhealthy, st.String())
		}
	}
	if len(unhealthy) > 0 {
		return outcome{}, fmt.Errorf("peer services not running: %s", strings.Join(unhealthy, ", "))
	}
	return done(strings.Join(states, ", "))
}

func (p *Pipeline) ensureRuntime(ctx context.Context) (outcome, error) {
	rt := p.Config.Runtime
	probe := "command -v " + runner.Quote(rt.Name)
	presence, err := p.Exec.Probe(ctx, rt.Name, probe)
	if err != nil {
		return outcome{}, err
	}
	if presence == runner.Present {
		return skipped(rt.Name + " " + p.runtimeVersion(ctx))
	}
	if len(rt.InstallCommands) == 0 {
		return outcome{}, fmt.Errorf("%s is not installed and runtime.install_commands is empty", rt.Name)
	}
	p.console().Infof("Installing %s...", rt.Name)
	for _, script := range rt.InstallCommands {
		if res, err := p.sh(ctx, "install "+rt.Name, script, runner.Options{}); err != nil {
			return outcome{result: res}, err
		}
	}
	presence, err = p.Exec.Probe(ctx, rt.Name, probe)
	if err != nil {
		return outcome{}, err
	}
	if presence != runner.Present {
		return outcome{}, fmt.Errorf("%s still absent after install", rt.Name)
	}
	return done("installed " + rt.Name + " " + p.runtimeVersion(ctx))
}

func (p *Pipeline) runtimeVersion(ctx context.Context) string {
	name := p.Config.Runtime.Name
	res, err := p.Exec.Run(ctx, runner.Quote(name)+" --version 2>&1 | head -n1", runner.Options{Silent: true})
	if err != nil || res.Failed() {
		return "present"
	}
	if v := strings.TrimSpace(res.Stdout); v != "" {
		return v
	}
	return "present"
}

// ensureSource clones when and only when the checkout marker is absent, and
// pulls otherwise. An indeterminate probe halts the run.
func (p *Pipeline) ensureSource(ctx context.Context) (outcome, error) {
	app := p.Config.App
	dir := runner.Quote(app.Dir)
	branch := runner.Quote(app.Branch)
	presence, err := p.Exec.Probe(ctx, "source tree", "[ -d "+runner.Quote(path.Join(app.Dir, ".git"))+" ]")
	if err != nil {
		return outcome{}, err
	}
	if presence == runner.Present {
		p.console().Infof("Pulling latest changes...")
		script := fmt.Sprintf("cd %s && git pull origin %s", dir, branch)
		if res, err := p.sh(ctx, "git pull", script, runner.Options{Idempotent: true}); err != nil {
			return outcome{result: res}, err
		}
		return done("pulled " + app.Branch)
	}
	p.console().Infof("Removing old directory and cloning repository...")
	script := fmt.Sprintf("rm -rf %s && mkdir -p %s && git clone --branch %s %s %s",
		dir, runner.Quote(path.Dir(app.Dir)), branch, runner.Quote(app.RepoURL), dir)
	if res, err := p.sh(ctx, "git clone", script, runner.Options{Idempotent: true}); err != nil {
		return outcome{result: res}, err
	}
	return done("cloned " + app.Branch)
}

func (p *Pipeline) inApp(ctx context.Context, what, command string) (outcome, error) {
	if strings.TrimSpace(command) == "" {
		return skipped("no command configured")
	}
	script := fmt.Sprintf("cd %s && %s", runner.Quote(p.Config.App.Dir), command)
	res, err := p.sh(ctx, what, script, runner.Options{})
	if err != nil {
		return outcome{result: res}, err
	}
	return done(command)
}

// writeConfig always rewrites both env files. The webapp URL comes from the
// config, else from the backend env already on the host (set by a previous
// exposure), else the host's plain HTTP address.
func (p *Pipeline) writeConfig(ctx context.Context) (outcome, error) {
	app := p.Config.App
	frontend, err := artifact.FrontendEnv(app.Dir, app.APIURL)
	if err != nil {
		return outcome{}, err
	}
	webappURL, err := p.webappURL(ctx)
	if err != nil {
		return outcome{}, err
	}
	backend, err := artifact.BackendEnv(app.BackendDir(), app.BotToken, webappURL, app.Port)
	if err != nil {
		return outcome{}, err
	}
	for _, f := range []artifact.File{frontend, backend} {
		if err := p.Exec.WriteFile(ctx, f.Path, f.Mode, f.Content); err != nil {
			return outcome{}, err
		}
	}
	return done(frontend.Path + ", " + backend.Path)
}

func (p *Pipeline) webappURL(ctx context.Context) (string, error) {
	if u := p.Config.App.WebappURL; u != "" {
		return u, nil
	}
	envPath := path.Join(p.Config.App.BackendDir(), ".env")
	presence, err := p.Exec.Probe(ctx, "backend env", "[ -f "+runner.Quote(envPath)+" ]")
	if err != nil {
		return "", err
	}
	if presence == runner.Present {
		data, err := p.Exec.ReadFile(ctx, envPath)
		if err != nil {
			return "", err
		}
		if u := envLookup(data, "WEBAPP_URL"); u != "" {
			return u, nil
		}
	}
	return "http://" + p.Config.Target.Host, nil
}

// envLookup returns the unquoted value of key in a dotenv body.
func envLookup(content, key string) string {
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || strings.TrimSpace(k) != key {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = strings.NewReplacer(`\"`, `"`, `\$`, "$", "\\`", "`", `\\`, `\`).Replace(v[1 : len(v)-1])
		}
		return v
	}
	return ""
}

// bootstrapData creates the data store if absent. An existing store is only
// overwritten when reset is requested.
func (p *Pipeline) bootstrapData(ctx context.Context, reset bool) (outcome, error) {
	dataPath := p.Config.App.DataPath()
	presence, err := p.Exec.Probe(ctx, "data store", "[ -f "+runner.Quote(dataPath)+" ]")
	if err != nil {
		return outcome{}, err
	}
	if presence == runner.Present && !reset {
		return skipped(dataPath + " present")
	}
	seed := artifact.DataSeed(dataPath, p.Config.App.DataSeed)
	if err := p.Exec.WriteFile(ctx, seed.Path, seed.Mode, seed.Content); err != nil {
		return outcome{}, err
	}
	if presence == runner.Present {
		p.console().Warnf("data store %s reset", dataPath)
		return done("reset " + dataPath)
	}
	return done("created " + dataPath)
}

func (p *Pipeline) appService() artifact.Service {
	app := p.Config.App
	return artifact.Service{
		Name:             app.Name,
		Description:      app.Name,
		User:             app.RunUser,
		WorkingDirectory: app.BackendDir(),
		ExecStart:        app.ExecStart,
		Environment:      app.Environment,
	}
}

func (p *Pipeline) installUnit(ctx context.Context) (outcome, error) {
	unit, err := artifact.ServiceUnit(p.appService())
	if err != nil {
		return outcome{}, err
	}
	if err := p.supervisor().InstallUnit(ctx, unit); err != nil {
		return outcome{}, err
	}
	return done(unit.Path)
}

func (p *Pipeline) activateService(ctx context.Context) (outcome, error) {
	sup := p.supervisor()
	unit := p.appService().UnitName()
	if err := sup.Reload(ctx); err != nil {
		return outcome{}, err
	}
	if err := sup.Enable(ctx, unit); err != nil {
		return outcome{}, err
	}
	if err := sup.Restart(ctx, unit); err != nil {
		return outcome{}, err
	}
	return done("restarted " + unit)
}

// verify polls the unit until healthy, then prints the journal tail and the
// state of every peer service. It reports but never retries the deploy.
func (p *Pipeline) verify(ctx context.Context) (outcome, error) {
	sup := p.supervisor()
	unit := p.appService().UnitName()
	st, err := sup.WaitHealthy(ctx, unit, p.backoff())
	if err != nil {
		var unhealthy *activate.UnhealthyError
		if errors.As(err, &unhealthy) && unhealthy.Journal != "" {
			p.console().Section("journal "+unit, unhealthy.Journal, "")
		}
		return outcome{}, err
	}
	if journal, jerr := sup.Journal(ctx, unit, p.Config.Verify.JournalLines); jerr == nil {
		p.console().Section("recent logs", journal, "")
	} else {
		p.console().Warnf("journal for %s unavailable: %v", unit, jerr)
	}
	p.peerSummary(ctx, sup)
	p.setHealthy(true)
	return done(st.String())
}

func (p *Pipeline) peerSummary(ctx context.Context, sup *activate.Supervisor) {
	for _, peer := range p.Config.Peers {
		st, err := sup.Status(ctx, peer)
		if err != nil {
			p.console().Warnf("status of %s: %v", peer, err)
			continue
		}
		if st.Health() == activate.Healthy {
			p.console().Infof("%s", st.String())
		} else {
			p.console().Warnf("%s", st.String())
		}
	}
}

func (p *Pipeline) configureProxy(ctx context.Context) (outcome, error) {
	if !p.Config.Proxy.Enabled {
		return skipped("proxy disabled")
	}
	site := p.site()
	proxy := &activate.Proxy{
		Exec:       p.Exec,
		Supervisor: p.supervisor(),
		Logger:     p.logger(),
		Install:    p.Config.Proxy.InstallCommands,
	}
	if err := proxy.Ensure(ctx, site); err != nil {
		return outcome{}, err
	}
	return done(site.AvailablePath())
}

func (p *Pipeline) site() artifact.Site {
	cfg := p.Config
	return artifact.Site{
		Name:        cfg.Proxy.SiteName,
		ListenPort:  cfg.Proxy.ListenPort,
		ServerName:  cfg.Proxy.ServerName,
		StaticRoot:  cfg.App.StaticDir(),
		BackendPort: cfg.App.Port,
	}
}

func (p *Pipeline) tunnel() *activate.Tunnel {
	t := p.Config.Tunnel
	return &activate.Tunnel{
		Exec:         p.Exec,
		Supervisor:   p.supervisor(),
		Logger:       p.logger(),
		Unit:         t.Unit,
		Binary:       t.Binary,
		UpstreamPort: t.UpstreamPort,
		StatusURL:    t.StatusURL,
		Authtoken:    t.Authtoken,
		Backoff:      p.backoff(),
	}
}

// publishEndpoint feeds the public URL back into the backend env and
// restarts the application so it picks it up.
func (p *Pipeline) publishEndpoint(ctx context.Context, ep activate.Endpoint) (outcome, error) {
	if ep.PublicURL == "" {
		return outcome{}, errors.New("no public endpoint to publish")
	}
	app := p.Config.App
	backend, err := artifact.BackendEnv(app.BackendDir(), app.BotToken, ep.PublicURL, app.Port)
	if err != nil {
		return outcome{}, err
	}
	if err := p.Exec.WriteFile(ctx, backend.Path, backend.Mode, backend.Content); err != nil {
		return outcome{}, err
	}
	unit := p.appService().UnitName()
	if err := p.supervisor().Restart(ctx, unit); err != nil {
		return outcome{}, err
	}
	p.setEndpoint(ep)
	return done("WEBAPP_URL=" + ep.PublicURL)
}

func (p *Pipeline) verifyExposure(ctx context.Context, ep activate.Endpoint) (outcome, error) {
	sup := p.supervisor()
	unit := p.appService().UnitName()
	if _, err := sup.WaitHealthy(ctx, unit, p.backoff()); err != nil {
		return outcome{}, err
	}
	tunnelUnit := p.tunnel().Unit
	if tunnelUnit == "" {
		tunnelUnit = "ngrok"
	}
	st, err := sup.Status(ctx, tunnelUnit)
	if err != nil {
		return outcome{}, err
	}
	if st.Health() != activate.Healthy {
		return outcome{}, fmt.Errorf("tunnel unit not running: %s", st.String())
	}
	p.setHealthy(true)
	p.console().URL("Public URL", ep.PublicURL)
	p.console().URL("API URL", strings.TrimRight(ep.PublicURL, "/")+"/api")
	return done(ep.PublicURL)
}
