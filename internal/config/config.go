// Package config loads the description of the single host hostprov manages
// and the application it deploys there.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from the config file.
const (
	EnvSSHPassword     = "HOSTPROV_SSH_PASSWORD"
	EnvSSHPassphrase   = "HOSTPROV_SSH_KEY_PASSPHRASE"
	EnvBotToken        = "HOSTPROV_BOT_TOKEN"
	EnvTunnelAuthtoken = "HOSTPROV_TUNNEL_AUTHTOKEN"
	EnvHost            = "HOSTPROV_HOST"
	EnvUser            = "HOSTPROV_USER"
)

// Config is the resolved configuration for one run.
type Config struct {
	ConfigPath      string
	Target          TargetConfig
	App             AppConfig
	Runtime         RuntimeConfig
	Peers           []string
	Proxy           ProxyConfig
	Tunnel          TunnelConfig
	Verify          VerifyConfig
	Diagnose        DiagnoseConfig
	LockDir         string
	JournalPath     string
	MetricsTextfile string
	Secrets         SecretsConfig
}

// TargetConfig describes how to reach the host.
type TargetConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string
	PrivateKey     []byte
	Passphrase     string
	UseAgent       bool
	HostKeyPolicy  string
	KnownHostsPath string
	DialTimeout    time.Duration
}

// AppConfig describes the deployed application and where it lives.
type AppConfig struct {
	Name           string
	Dir            string
	RepoURL        string
	Branch         string
	BackendSubdir  string
	StaticSubdir   string
	Port           int
	RunUser        string
	ExecStart      string
	InstallCommand string
	BuildCommand   string
	APIURL         string
	WebappURL      string
	BotToken       string
	DataFile       string
	DataSeed       string
	Environment    map[string]string
}

// BackendDir is the absolute backend working directory.
func (a AppConfig) BackendDir() string {
	return path.Join(a.Dir, a.BackendSubdir)
}

// StaticDir is the absolute directory nginx serves.
func (a AppConfig) StaticDir() string {
	return path.Join(a.Dir, a.StaticSubdir)
}

// DataPath is the absolute path of the data store bootstrap file.
func (a AppConfig) DataPath() string {
	if path.IsAbs(a.DataFile) {
		return a.DataFile
	}
	return path.Join(a.Dir, a.DataFile)
}

// RuntimeConfig names the language runtime and how to install it.
type RuntimeConfig struct {
	Name            string
	InstallCommands []string
}

// ProxyConfig controls the nginx site in front of the application.
type ProxyConfig struct {
	Enabled         bool
	SiteName        string
	ListenPort      int
	ServerName      string
	InstallCommands []string
}

// TunnelConfig controls the public tunnel client.
type TunnelConfig struct {
	Unit         string
	Binary       string
	StatusURL    string
	UpstreamPort int
	Authtoken    string
}

// VerifyConfig bounds health polling after a restart.
type VerifyConfig struct {
	Initial      time.Duration
	Max          time.Duration
	Deadline     time.Duration
	JournalLines int
}

// DiagnoseConfig tunes the diagnose command.
type DiagnoseConfig struct {
	RunSeconds   int
	JournalLines int
}

// SecretsConfig locates an optional encrypted credential bundle.
type SecretsConfig struct {
	Bundle         string
	Dir            string
	AgeKeyPath     string
	SopsPath       string
	AllowPlaintext bool
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	Target          FileTarget   `yaml:"target"`
	App             FileApp      `yaml:"app"`
	Runtime         FileRuntime  `yaml:"runtime"`
	Peers           []string     `yaml:"peers"`
	Proxy           FileProxy    `yaml:"proxy"`
	Tunnel          FileTunnel   `yaml:"tunnel"`
	Verify          FileVerify   `yaml:"verify"`
	Diagnose        FileDiagnose `yaml:"diagnose"`
	LockDir         string       `yaml:"lock_dir"`
	JournalPath     string       `yaml:"journal_path"`
	MetricsTextfile string       `yaml:"metrics_textfile"`
	Secrets         FileSecrets  `yaml:"secrets"`
}

type FileTarget struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Passphrase     string `yaml:"passphrase"`
	UseAgent       *bool  `yaml:"use_agent"`
	HostKeyPolicy  string `yaml:"host_key_policy"`
	KnownHostsPath string `yaml:"known_hosts"`
	DialTimeout    string `yaml:"dial_timeout"`
}

type FileApp struct {
	Name           string            `yaml:"name"`
	Dir            string            `yaml:"dir"`
	RepoURL        string            `yaml:"repo_url"`
	Branch         string            `yaml:"branch"`
	BackendSubdir  string            `yaml:"backend_subdir"`
	StaticSubdir   string            `yaml:"static_subdir"`
	Port           int               `yaml:"port"`
	RunUser        string            `yaml:"run_user"`
	ExecStart      string            `yaml:"exec_start"`
	InstallCommand string            `yaml:"install_command"`
	BuildCommand   string            `yaml:"build_command"`
	APIURL         string            `yaml:"api_url"`
	WebappURL      string            `yaml:"webapp_url"`
	BotToken       string            `yaml:"bot_token"`
	DataFile       string            `yaml:"data_file"`
	DataSeed       string            `yaml:"data_seed"`
	Environment    map[string]string `yaml:"environment"`
}

type FileRuntime struct {
	Name            string   `yaml:"name"`
	InstallCommands []string `yaml:"install_commands"`
}

type FileProxy struct {
	Enabled         *bool    `yaml:"enabled"`
	SiteName        string   `yaml:"site_name"`
	ListenPort      int      `yaml:"listen_port"`
	ServerName      string   `yaml:"server_name"`
	InstallCommands []string `yaml:"install_commands"`
}

type FileTunnel struct {
	Unit         string `yaml:"unit"`
	Binary       string `yaml:"binary"`
	StatusURL    string `yaml:"status_url"`
	UpstreamPort int    `yaml:"upstream_port"`
	Authtoken    string `yaml:"authtoken"`
}

type FileVerify struct {
	Initial      string `yaml:"initial"`
	Max          string `yaml:"max"`
	Deadline     string `yaml:"deadline"`
	JournalLines int    `yaml:"journal_lines"`
}

type FileDiagnose struct {
	RunSeconds   int `yaml:"run_seconds"`
	JournalLines int `yaml:"journal_lines"`
}

type FileSecrets struct {
	Bundle         string `yaml:"bundle"`
	Dir            string `yaml:"dir"`
	AgeKeyPath     string `yaml:"age_key_path"`
	SopsPath       string `yaml:"sops_path"`
	AllowPlaintext bool   `yaml:"allow_plaintext"`
}

// DefaultConfig holds every non-secret default. Host, user, repository and
// all credentials have no default.
func DefaultConfig() Config {
	stateDir := defaultStateDir()
	return Config{
		ConfigPath: filepath.Join(defaultConfigDir(), "config.yaml"),
		Target: TargetConfig{
			Port:           22,
			HostKeyPolicy:  "accept-new",
			KnownHostsPath: filepath.Join(stateDir, "known_hosts"),
			DialTimeout:    15 * time.Second,
		},
		App: AppConfig{
			Name:           "subscription-tracker",
			Branch:         "master",
			BackendSubdir:  "backend",
			StaticSubdir:   "dist",
			Port:           3001,
			RunUser:        "root",
			ExecStart:      "/usr/bin/node dist/index.js",
			InstallCommand: "npm run install:all",
			BuildCommand:   "npm run build:all",
			DataFile:       "backend/data/db.json",
			Environment:    map[string]string{"NODE_ENV": "production"},
		},
		Runtime: RuntimeConfig{
			Name: "node",
			InstallCommands: []string{
				"curl -fsSL https://deb.nodesource.com/setup_20.x | bash -",
				"DEBIAN_FRONTEND=noninteractive apt-get install -y nodejs",
			},
		},
		Proxy: ProxyConfig{
			Enabled:    true,
			ListenPort: 80,
			ServerName: "_",
		},
		Tunnel: TunnelConfig{
			Unit:         "ngrok",
			Binary:       "/usr/bin/ngrok",
			StatusURL:    "http://127.0.0.1:4040/api/tunnels",
			UpstreamPort: 80,
		},
		Verify: VerifyConfig{
			Initial:      time.Second,
			Max:          8 * time.Second,
			Deadline:     60 * time.Second,
			JournalLines: 20,
		},
		Diagnose: DiagnoseConfig{
			RunSeconds:   10,
			JournalLines: 50,
		},
		JournalPath: filepath.Join(stateDir, "history.db"),
		Secrets: SecretsConfig{
			Dir:      filepath.Join(defaultConfigDir(), "secrets"),
			SopsPath: "sops",
		},
	}
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "hostprov")
	}
	return ".hostprov"
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "hostprov")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "hostprov")
	}
	return ".hostprov"
}

// Load reads the YAML config file, applies it over the defaults, then
// applies HOSTPROV_* environment overrides.
func Load(configPath string) (Config, error) {
	return load(configPath, os.Getenv)
}

func load(configPath string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		cfg.ConfigPath = configPath
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	applyEnv(&cfg, getenv)
	if cfg.App.Dir == "" {
		cfg.App.Dir = path.Join("/root", cfg.App.Name)
	}
	if cfg.Proxy.SiteName == "" {
		cfg.Proxy.SiteName = cfg.App.Name
	}
	if cfg.LockDir == "" {
		cfg.LockDir = path.Join("/var/lock", "hostprov-"+cfg.App.Name)
	}
	if cfg.App.APIURL == "" && cfg.Target.Host != "" {
		cfg.App.APIURL = "http://" + cfg.Target.Host + ":" + strconv.Itoa(cfg.App.Port)
	}
	if len(cfg.Target.PrivateKey) == 0 && cfg.Target.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(expandHome(cfg.Target.PrivateKeyPath))
		if err != nil {
			return cfg, fmt.Errorf("read ssh private key %s: %w", cfg.Target.PrivateKeyPath, err)
		}
		cfg.Target.PrivateKey = keyData
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	t := fileCfg.Target
	if t.Host != "" {
		cfg.Target.Host = t.Host
	}
	if t.Port > 0 {
		cfg.Target.Port = t.Port
	}
	if t.User != "" {
		cfg.Target.User = t.User
	}
	if t.Password != "" {
		cfg.Target.Password = t.Password
	}
	if t.PrivateKeyPath != "" {
		cfg.Target.PrivateKeyPath = t.PrivateKeyPath
	}
	if t.Passphrase != "" {
		cfg.Target.Passphrase = t.Passphrase
	}
	if t.UseAgent != nil {
		cfg.Target.UseAgent = *t.UseAgent
	}
	if t.HostKeyPolicy != "" {
		cfg.Target.HostKeyPolicy = t.HostKeyPolicy
	}
	if t.KnownHostsPath != "" {
		cfg.Target.KnownHostsPath = expandHome(t.KnownHostsPath)
	}
	if err := setDuration(&cfg.Target.DialTimeout, "target.dial_timeout", t.DialTimeout); err != nil {
		return err
	}

	a := fileCfg.App
	if a.Name != "" {
		cfg.App.Name = a.Name
	}
	if a.Dir != "" {
		cfg.App.Dir = a.Dir
	}
	if a.RepoURL != "" {
		cfg.App.RepoURL = a.RepoURL
	}
	if a.Branch != "" {
		cfg.App.Branch = a.Branch
	}
	if a.BackendSubdir != "" {
		cfg.App.BackendSubdir = a.BackendSubdir
	}
	if a.StaticSubdir != "" {
		cfg.App.StaticSubdir = a.StaticSubdir
	}
	if a.Port > 0 {
		cfg.App.Port = a.Port
	}
	if a.RunUser != "" {
		cfg.App.RunUser = a.RunUser
	}
	if a.ExecStart != "" {
		cfg.App.ExecStart = a.ExecStart
	}
	if a.InstallCommand != "" {
		cfg.App.InstallCommand = a.InstallCommand
	}
	if a.BuildCommand != "" {
		cfg.App.BuildCommand = a.BuildCommand
	}
	if a.APIURL != "" {
		cfg.App.APIURL = a.APIURL
	}
	if a.WebappURL != "" {
		cfg.App.WebappURL = a.WebappURL
	}
	if a.BotToken != "" {
		cfg.App.BotToken = a.BotToken
	}
	if a.DataFile != "" {
		cfg.App.DataFile = a.DataFile
	}
	if a.DataSeed != "" {
		cfg.App.DataSeed = a.DataSeed
	}
	for k, v := range a.Environment {
		cfg.App.Environment[k] = v
	}

	if fileCfg.Runtime.Name != "" {
		cfg.Runtime.Name = fileCfg.Runtime.Name
	}
	if len(fileCfg.Runtime.InstallCommands) > 0 {
		cfg.Runtime.InstallCommands = fileCfg.Runtime.InstallCommands
	}
	if len(fileCfg.Peers) > 0 {
		cfg.Peers = fileCfg.Peers
	}

	p := fileCfg.Proxy
	if p.Enabled != nil {
		cfg.Proxy.Enabled = *p.Enabled
	}
	if p.SiteName != "" {
		cfg.Proxy.SiteName = p.SiteName
	}
	if p.ListenPort > 0 {
		cfg.Proxy.ListenPort = p.ListenPort
	}
	if p.ServerName != "" {
		cfg.Proxy.ServerName = p.ServerName
	}
	if len(p.InstallCommands) > 0 {
		cfg.Proxy.InstallCommands = p.InstallCommands
	}

	tn := fileCfg.Tunnel
	if tn.Unit != "" {
		cfg.Tunnel.Unit = tn.Unit
	}
	if tn.Binary != "" {
		cfg.Tunnel.Binary = tn.Binary
	}
	if tn.StatusURL != "" {
		cfg.Tunnel.StatusURL = tn.StatusURL
	}
	if tn.UpstreamPort > 0 {
		cfg.Tunnel.UpstreamPort = tn.UpstreamPort
	}
	if tn.Authtoken != "" {
		cfg.Tunnel.Authtoken = tn.Authtoken
	}

	v := fileCfg.Verify
	if err := setDuration(&cfg.Verify.Initial, "verify.initial", v.Initial); err != nil {
		return err
	}
	if err := setDuration(&cfg.Verify.Max, "verify.max", v.Max); err != nil {
		return err
	}
	if err := setDuration(&cfg.Verify.Deadline, "verify.deadline", v.Deadline); err != nil {
		return err
	}
	if v.JournalLines > 0 {
		cfg.Verify.JournalLines = v.JournalLines
	}
	if fileCfg.Diagnose.RunSeconds > 0 {
		cfg.Diagnose.RunSeconds = fileCfg.Diagnose.RunSeconds
	}
	if fileCfg.Diagnose.JournalLines > 0 {
		cfg.Diagnose.JournalLines = fileCfg.Diagnose.JournalLines
	}

	if fileCfg.LockDir != "" {
		cfg.LockDir = fileCfg.LockDir
	}
	if fileCfg.JournalPath != "" {
		cfg.JournalPath = expandHome(fileCfg.JournalPath)
	}
	if fileCfg.MetricsTextfile != "" {
		cfg.MetricsTextfile = expandHome(fileCfg.MetricsTextfile)
	}

	s := fileCfg.Secrets
	if s.Bundle != "" {
		cfg.Secrets.Bundle = s.Bundle
	}
	if s.Dir != "" {
		cfg.Secrets.Dir = expandHome(s.Dir)
	}
	if s.AgeKeyPath != "" {
		cfg.Secrets.AgeKeyPath = expandHome(s.AgeKeyPath)
	}
	if s.SopsPath != "" {
		cfg.Secrets.SopsPath = s.SopsPath
	}
	if s.AllowPlaintext {
		cfg.Secrets.AllowPlaintext = true
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvHost); v != "" {
		cfg.Target.Host = v
	}
	if v := getenv(EnvUser); v != "" {
		cfg.Target.User = v
	}
	if v := getenv(EnvSSHPassword); v != "" {
		cfg.Target.Password = v
	}
	if v := getenv(EnvSSHPassphrase); v != "" {
		cfg.Target.Passphrase = v
	}
	if v := getenv(EnvBotToken); v != "" {
		cfg.App.BotToken = v
	}
	if v := getenv(EnvTunnelAuthtoken); v != "" {
		cfg.Tunnel.Authtoken = v
	}
}

func setDuration(dst *time.Duration, field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// SecretValues returns every credential value currently set, for redaction.
func (c Config) SecretValues() []string {
	var out []string
	for _, v := range []string{c.Target.Password, c.Target.Passphrase, c.App.BotToken, c.Tunnel.Authtoken} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Target.Host) == "" {
		return fmt.Errorf("target.host is required")
	}
	if c.Target.Port <= 0 || c.Target.Port > 65535 {
		return fmt.Errorf("target.port must be between 1 and 65535")
	}
	if c.Target.Host != "local" && strings.TrimSpace(c.Target.User) == "" {
		return fmt.Errorf("target.user is required")
	}
	switch c.Target.HostKeyPolicy {
	case "accept-new", "insecure":
	case "strict":
		if c.Target.KnownHostsPath == "" {
			return fmt.Errorf("target.known_hosts is required with host_key_policy strict")
		}
	default:
		return fmt.Errorf("target.host_key_policy must be accept-new, strict or insecure (got %q)", c.Target.HostKeyPolicy)
	}
	if c.Target.DialTimeout <= 0 {
		return fmt.Errorf("target.dial_timeout must be positive")
	}
	if strings.TrimSpace(c.App.Name) == "" {
		return fmt.Errorf("app.name is required")
	}
	if !path.IsAbs(c.App.Dir) {
		return fmt.Errorf("app.dir must be an absolute path (got %q)", c.App.Dir)
	}
	if strings.TrimSpace(c.App.RepoURL) == "" {
		return fmt.Errorf("app.repo_url is required")
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.App.ExecStart) == "" {
		return fmt.Errorf("app.exec_start is required")
	}
	for _, u := range []struct{ field, value string }{
		{"app.api_url", c.App.APIURL},
		{"app.webapp_url", c.App.WebappURL},
		{"tunnel.status_url", c.Tunnel.StatusURL},
	} {
		if u.value == "" {
			continue
		}
		parsed, err := url.Parse(u.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s must be an absolute URL (got %q)", u.field, u.value)
		}
	}
	if strings.TrimSpace(c.Runtime.Name) == "" {
		return fmt.Errorf("runtime.name is required")
	}
	if c.Tunnel.UpstreamPort <= 0 || c.Tunnel.UpstreamPort > 65535 {
		return fmt.Errorf("tunnel.upstream_port must be between 1 and 65535")
	}
	if c.Proxy.Enabled && (c.Proxy.ListenPort <= 0 || c.Proxy.ListenPort > 65535) {
		return fmt.Errorf("proxy.listen_port must be between 1 and 65535")
	}
	if c.Verify.Initial <= 0 || c.Verify.Max <= 0 || c.Verify.Deadline <= 0 {
		return fmt.Errorf("verify durations must be positive")
	}
	if c.Verify.Max < c.Verify.Initial {
		return fmt.Errorf("verify.max must not be shorter than verify.initial")
	}
	if !path.IsAbs(c.LockDir) {
		return fmt.Errorf("lock_dir must be an absolute path (got %q)", c.LockDir)
	}
	if c.Diagnose.RunSeconds <= 0 {
		return fmt.Errorf("diagnose.run_seconds must be positive")
	}
	return nil
}
