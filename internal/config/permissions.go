package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherRead  = 0o004
	permOtherMask  = 0o007
)

// HoldsCredentials reports whether any credential was read from the config
// file itself rather than from the environment or a bundle.
func (f FileConfig) HoldsCredentials() bool {
	return f.Target.Password != "" || f.Target.Passphrase != "" ||
		f.App.BotToken != "" || f.Tunnel.Authtoken != ""
}

// CheckConfigPermissions validates the config file permissions.
//
// A file holding credentials must be private to its owner: group-readable
// yields a warning, anything wider an error. A file without credentials only
// has to be safe from modification by others.
func CheckConfigPermissions(path string, holdsCredentials bool) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("config path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat config %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("config %s must be a regular file", path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("config %s must be readable by owner (mode %04o)", path, perms)
	}
	if perms&(permGroupWrite|permOtherMask&^permOtherRead) != 0 {
		return "", fmt.Errorf("config %s must not be group-writable or writable by others (mode %04o)", path, perms)
	}
	if !holdsCredentials {
		return "", nil
	}
	if perms&permOtherMask != 0 {
		return "", fmt.Errorf("config %s holds credentials and must not be accessible by others (mode %04o)", path, perms)
	}
	if perms&permGroupExec != 0 {
		return "", fmt.Errorf("config %s must not be group-executable (mode %04o)", path, perms)
	}
	if perms&permGroupRead != 0 {
		return fmt.Sprintf("config %s holds credentials and is group-readable (mode %04o); consider chmod 0600", path, perms), nil
	}
	return "", nil
}

// ReadFileConfig parses path without applying defaults. It is used to decide
// whether the file itself holds credentials.
func ReadFileConfig(path string) (FileConfig, error) {
	var fileCfg FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fileCfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fileCfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fileCfg, nil
}
