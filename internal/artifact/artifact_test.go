package artifact

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendEnv(t *testing.T) {
	f, err := BackendEnv("/root/tracker/backend", "123456:ABC-def", "https://abc.ngrok-free.app", 3001)
	require.NoError(t, err)
	require.Equal(t, "/root/tracker/backend/.env", f.Path)
	require.Equal(t, os.FileMode(0o600), f.Mode)
	require.Equal(t, "BOT_TOKEN=123456:ABC-def\nWEBAPP_URL=https://abc.ngrok-free.app\nPORT=3001\n", string(f.Content))

	_, err = BackendEnv("/root/tracker/backend", " ", "http://x", 3001)
	require.Error(t, err)
}

func TestFrontendEnv(t *testing.T) {
	f, err := FrontendEnv("/root/tracker", "http://203.0.113.10:3001")
	require.NoError(t, err)
	require.Equal(t, "/root/tracker/.env", f.Path)
	require.Equal(t, "VITE_API_URL=http://203.0.113.10:3001\n", string(f.Content))
}

func TestEnvFileQuotesAndRejectsNewlines(t *testing.T) {
	f, err := EnvFile("/x/.env", 0o600, []EnvVar{{Key: "GREETING", Value: `hi "there" $USER`}})
	require.NoError(t, err)
	require.Equal(t, "GREETING=\"hi \\\"there\\\" \\$USER\"\n", string(f.Content))

	_, err = EnvFile("/x/.env", 0o600, []EnvVar{{Key: "A", Value: "one\ntwo"}})
	require.Error(t, err)
}

func TestServiceUnit(t *testing.T) {
	f, err := ServiceUnit(Service{
		Name:             "subscription-tracker",
		Description:      "Subscription Tracker Bot",
		WorkingDirectory: "/root/tracker/backend",
		ExecStart:        "/usr/bin/node dist/index.js",
		Environment:      map[string]string{"NODE_ENV": "production", "A": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, "/etc/systemd/system/subscription-tracker.service", f.Path)
	want := `[Unit]
Description=Subscription Tracker Bot
After=network.target

[Service]
Type=simple
User=root
WorkingDirectory=/root/tracker/backend
ExecStart=/usr/bin/node dist/index.js
Restart=on-failure
RestartSec=10
Environment=A=1
Environment=NODE_ENV=production

[Install]
WantedBy=multi-user.target
`
	require.Equal(t, want, string(f.Content))
}

func TestTunnelServiceUnit(t *testing.T) {
	f, err := ServiceUnit(TunnelService("ngrok", "/usr/bin/ngrok", 80))
	require.NoError(t, err)
	require.Equal(t, "/etc/systemd/system/ngrok.service", f.Path)
	content := string(f.Content)
	require.Contains(t, content, "ExecStart=/usr/bin/ngrok http 80 --log=stdout\n")
	require.Contains(t, content, "RestartSec=5\n")
	require.NotContains(t, content, "WorkingDirectory")
}

func TestServiceUnitRequiresExecStart(t *testing.T) {
	_, err := ServiceUnit(Service{Name: "app"})
	require.Error(t, err)
}

func TestNginxSite(t *testing.T) {
	f, err := NginxSite(Site{Name: "tracker", StaticRoot: "/root/tracker/dist", BackendPort: 3001})
	require.NoError(t, err)
	require.Equal(t, "/etc/nginx/sites-available/tracker", f.Path)
	content := string(f.Content)
	require.Contains(t, content, "listen 80;")
	require.Contains(t, content, "server_name _;")
	require.Contains(t, content, "root /root/tracker/dist;")
	require.Contains(t, content, "try_files $uri $uri/ /index.html;")
	require.Equal(t, 2, strings.Count(content, "proxy_pass http://127.0.0.1:3001;"))
	require.Contains(t, content, "location /api {")
	require.Contains(t, content, "location /health {")
	require.True(t, strings.HasSuffix(content, "}\n"))
	require.Equal(t, "/etc/nginx/sites-enabled/tracker", Site{Name: "tracker"}.EnabledPath())

	_, err = NginxSite(Site{Name: "../etc", StaticRoot: "/x", BackendPort: 1})
	require.Error(t, err)
}

func TestDataSeed(t *testing.T) {
	f := DataSeed("/root/tracker/backend/data/db.json", "")
	require.Equal(t, DefaultDataSeed, string(f.Content))
	f = DataSeed("/d.json", `{"items":[]}`)
	require.Equal(t, "{\"items\":[]}\n", string(f.Content))
}
