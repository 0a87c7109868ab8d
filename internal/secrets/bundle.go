// Package secrets loads the credentials hostprov needs from an encrypted
// bundle file.
//
// Bundles are YAML documents encrypted with age (the default) or sops.
// Plaintext bundles are accepted only when explicitly allowed. Decryption
// happens in memory; the plaintext never touches disk.
package secrets

import (
	"fmt"

	"github.com/hostprov/hostprov/internal/config"
	"gopkg.in/yaml.v3"
)

// BundleVersion is the current bundle format version.
const BundleVersion = 1

// Bundle describes decrypted credentials.
type Bundle struct {
	Version int          `yaml:"version"`
	SSH     SSHBundle    `yaml:"ssh,omitempty"`
	App     AppBundle    `yaml:"app,omitempty"`
	Tunnel  TunnelBundle `yaml:"tunnel,omitempty"`
}

// SSHBundle holds host login credentials.
type SSHBundle struct {
	Password   string `yaml:"password,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

// AppBundle holds credentials written into the application's env file.
type AppBundle struct {
	BotToken string `yaml:"bot_token,omitempty"`
}

// TunnelBundle holds the tunnel client credential.
type TunnelBundle struct {
	Authtoken string `yaml:"authtoken,omitempty"`
}

// Apply fills credentials that cfg does not already carry. Values from the
// config file or HOSTPROV_* environment variables take precedence.
func (b Bundle) Apply(cfg *config.Config) {
	if cfg.Target.Password == "" {
		cfg.Target.Password = b.SSH.Password
	}
	if len(cfg.Target.PrivateKey) == 0 && b.SSH.PrivateKey != "" {
		cfg.Target.PrivateKey = []byte(b.SSH.PrivateKey)
	}
	if cfg.Target.Passphrase == "" {
		cfg.Target.Passphrase = b.SSH.Passphrase
	}
	if cfg.App.BotToken == "" {
		cfg.App.BotToken = b.App.BotToken
	}
	if cfg.Tunnel.Authtoken == "" {
		cfg.Tunnel.Authtoken = b.Tunnel.Authtoken
	}
}

// Values lists every non-empty secret in the bundle, for redaction.
func (b Bundle) Values() []string {
	var out []string
	for _, v := range []string{b.SSH.Password, b.SSH.Passphrase, b.App.BotToken, b.Tunnel.Authtoken} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseBundle(data []byte) (Bundle, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, err
	}
	if bundle.Version == 0 {
		bundle.Version = BundleVersion
	}
	if bundle.Version != BundleVersion {
		return Bundle{}, fmt.Errorf("unsupported bundle version %d", bundle.Version)
	}
	return bundle, nil
}
