package artifact

import (
	"fmt"
	"path"
	"strings"
)

const (
	// NginxAvailableDir holds site definitions.
	NginxAvailableDir = "/etc/nginx/sites-available"
	// NginxEnabledDir holds symlinks to enabled sites.
	NginxEnabledDir = "/etc/nginx/sites-enabled"
)

// Site is an nginx server block serving a static build with an SPA
// fallback and proxying API paths to the backend.
type Site struct {
	Name        string
	ListenPort  int
	ServerName  string
	StaticRoot  string
	BackendPort int
	// ProxyPaths are forwarded to the backend. Defaults to /api and /health.
	ProxyPaths []string
}

// AvailablePath is the site file location.
func (s Site) AvailablePath() string {
	return path.Join(NginxAvailableDir, s.Name)
}

// EnabledPath is the symlink location.
func (s Site) EnabledPath() string {
	return path.Join(NginxEnabledDir, s.Name)
}

const siteTemplate = `server {
    listen {{ .ListenPort }};
    server_name {{ .ServerName }};

    location / {
        root {{ .StaticRoot }};
        try_files $uri $uri/ /index.html;
    }
{{ range .ProxyPaths }}
    location {{ . }} {
        proxy_pass http://127.0.0.1:{{ $.BackendPort }};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
{{ end -}}
}
`

// NginxSite renders s into NginxAvailableDir.
func NginxSite(s Site) (File, error) {
	if strings.TrimSpace(s.Name) == "" || strings.ContainsAny(s.Name, "/ ") {
		return File{}, fmt.Errorf("invalid nginx site name %q", s.Name)
	}
	if strings.TrimSpace(s.StaticRoot) == "" {
		return File{}, fmt.Errorf("nginx site %s: static root is required", s.Name)
	}
	if s.BackendPort <= 0 {
		return File{}, fmt.Errorf("nginx site %s: backend port is required", s.Name)
	}
	if s.ListenPort <= 0 {
		s.ListenPort = 80
	}
	if s.ServerName == "" {
		s.ServerName = "_"
	}
	if len(s.ProxyPaths) == 0 {
		s.ProxyPaths = []string{"/api", "/health"}
	}
	content, err := render("nginx-site", siteTemplate, s)
	if err != nil {
		return File{}, err
	}
	return File{Path: s.AvailablePath(), Mode: publicMode, Content: content}, nil
}
