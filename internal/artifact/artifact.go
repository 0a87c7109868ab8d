// Package artifact renders the files hostprov places on the host: env files,
// systemd units, the nginx site and the initial data store.
package artifact

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"
)

// File is a rendered artifact ready to be written.
type File struct {
	Path    string
	Mode    os.FileMode
	Content []byte
}

const (
	// UnitDir is where service units are installed.
	UnitDir = "/etc/systemd/system"

	// DefaultDataSeed is the empty data store the application expects.
	DefaultDataSeed = `{"users": [], "subscriptions": []}` + "\n"

	publicMode = 0o644
	secretMode = 0o600
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

func render(name, text string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// EnvVar is one KEY=value line.
type EnvVar struct {
	Key   string
	Value string
}

// EnvFile renders a dotenv file. Values containing spaces, quotes or '#'
// are double-quoted; newlines are rejected.
func EnvFile(filePath string, mode os.FileMode, vars []EnvVar) (File, error) {
	var b strings.Builder
	for _, v := range vars {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			return File{}, fmt.Errorf("%s: empty env key", filePath)
		}
		if strings.ContainsAny(v.Value, "\r\n") {
			return File{}, fmt.Errorf("%s: value for %s contains a newline", filePath, key)
		}
		fmt.Fprintf(&b, "%s=%s\n", key, envValue(v.Value))
	}
	return File{Path: filePath, Mode: mode, Content: []byte(b.String())}, nil
}

func envValue(v string) string {
	if !strings.ContainsAny(v, " \t\"'#\\$`") {
		return v
	}
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return `"` + replacer.Replace(v) + `"`
}

// FrontendEnv is <appDir>/.env read by the frontend build.
func FrontendEnv(appDir, apiURL string) (File, error) {
	return EnvFile(path.Join(appDir, ".env"), publicMode, []EnvVar{{Key: "VITE_API_URL", Value: apiURL}})
}

// BackendEnv is <backendDir>/.env read by the service at start.
func BackendEnv(backendDir, botToken, webappURL string, port int) (File, error) {
	if strings.TrimSpace(botToken) == "" {
		return File{}, fmt.Errorf("bot token is required for %s", path.Join(backendDir, ".env"))
	}
	return EnvFile(path.Join(backendDir, ".env"), secretMode, []EnvVar{
		{Key: "BOT_TOKEN", Value: botToken},
		{Key: "WEBAPP_URL", Value: webappURL},
		{Key: "PORT", Value: fmt.Sprint(port)},
	})
}

// DataSeed is the initial data store. An empty seed uses DefaultDataSeed.
func DataSeed(filePath, seed string) File {
	if strings.TrimSpace(seed) == "" {
		seed = DefaultDataSeed
	}
	if !strings.HasSuffix(seed, "\n") {
		seed += "\n"
	}
	return File{Path: filePath, Mode: publicMode, Content: []byte(seed)}
}

// Service describes a systemd service unit.
type Service struct {
	Name             string
	Description      string
	After            string
	User             string
	WorkingDirectory string
	ExecStart        string
	Restart          string
	RestartSec       int
	Environment      map[string]string
	WantedBy         string
}

// UnitName returns Name with the .service suffix.
func (s Service) UnitName() string {
	if strings.HasSuffix(s.Name, ".service") {
		return s.Name
	}
	return s.Name + ".service"
}

type serviceView struct {
	Service
	Env []string
}

const serviceTemplate = `[Unit]
Description={{ .Description }}
After={{ .After }}

[Service]
Type=simple
User={{ .User }}
{{- if .WorkingDirectory }}
WorkingDirectory={{ .WorkingDirectory }}
{{- end }}
ExecStart={{ .ExecStart }}
Restart={{ .Restart }}
RestartSec={{ .RestartSec }}
{{- range .Env }}
Environment={{ . }}
{{- end }}

[Install]
WantedBy={{ .WantedBy }}
`

// ServiceUnit renders s into UnitDir.
func ServiceUnit(s Service) (File, error) {
	if strings.TrimSpace(s.Name) == "" {
		return File{}, fmt.Errorf("service name is required")
	}
	if strings.TrimSpace(s.ExecStart) == "" {
		return File{}, fmt.Errorf("service %s: ExecStart is required", s.Name)
	}
	if s.Description == "" {
		s.Description = s.Name
	}
	if s.After == "" {
		s.After = "network.target"
	}
	if s.User == "" {
		s.User = "root"
	}
	if s.Restart == "" {
		s.Restart = "on-failure"
	}
	if s.RestartSec <= 0 {
		s.RestartSec = 10
	}
	if s.WantedBy == "" {
		s.WantedBy = "multi-user.target"
	}
	keys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	view := serviceView{Service: s}
	for _, k := range keys {
		v := s.Environment[k]
		if strings.ContainsAny(k+v, "\r\n") {
			return File{}, fmt.Errorf("service %s: environment %s contains a newline", s.Name, k)
		}
		view.Env = append(view.Env, k+"="+v)
	}
	content, err := render("service", serviceTemplate, view)
	if err != nil {
		return File{}, err
	}
	return File{Path: path.Join(UnitDir, s.UnitName()), Mode: publicMode, Content: content}, nil
}

// TunnelService is the unit for a tunnel client forwarding HTTP traffic to
// upstreamPort on the host.
func TunnelService(name, binary string, upstreamPort int) Service {
	return Service{
		Name:        name,
		Description: "Tunnel to local port " + fmt.Sprint(upstreamPort),
		ExecStart:   fmt.Sprintf("%s http %d --log=stdout", binary, upstreamPort),
		RestartSec:  5,
	}
}
