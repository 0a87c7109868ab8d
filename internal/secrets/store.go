package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

type format int

const (
	formatPlain format = iota
	formatAge
	formatSops
)

// Store locates and decrypts credential bundles.
type Store struct {
	Dir            string
	AgeKeyPath     string
	SopsPath       string
	AllowPlaintext bool
	// SopsDecrypt replaces the sops binary, mainly in tests.
	SopsDecrypt func(ctx context.Context, path string, env []string) ([]byte, error)
}

// Load locates, decrypts and parses the bundle by name or path.
//
// A bare name is looked up in Dir, trying name.age, name.sops.yaml,
// name.sops.yml and name.sops.json, then the plaintext extensions when
// AllowPlaintext is set. A name with an extension is used as given.
func (s Store) Load(ctx context.Context, name string) (Bundle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Bundle{}, errors.New("bundle name is required")
	}
	path, err := s.resolvePath(name)
	if err != nil {
		return Bundle{}, err
	}
	payload, err := s.decrypt(ctx, path)
	if err != nil {
		return Bundle{}, err
	}
	bundle, err := parseBundle(payload)
	if err != nil {
		return Bundle{}, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	return bundle, nil
}

func (s Store) resolvePath(name string) (string, error) {
	bases := []string{name}
	if !filepath.IsAbs(name) && s.Dir != "" {
		bases = []string{filepath.Join(s.Dir, name), name}
	}
	suffixes := []string{""}
	if filepath.Ext(name) == "" {
		suffixes = []string{".age", ".sops.yaml", ".sops.yml", ".sops.json"}
		if s.AllowPlaintext {
			suffixes = append(suffixes, ".yaml", ".yml", ".json")
		}
	}
	for _, base := range bases {
		for _, suffix := range suffixes {
			if fileExists(base + suffix) {
				return base + suffix, nil
			}
		}
	}
	return "", fmt.Errorf("bundle %s not found", name)
}

func (s Store) decrypt(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	switch detectFormat(path, data) {
	case formatAge:
		return decryptAge(path, data, s.AgeKeyPath)
	case formatSops:
		if s.SopsDecrypt != nil {
			return s.SopsDecrypt(ctx, path, s.sopsEnv())
		}
		return decryptSops(ctx, s.sopsPath(), path, s.sopsEnv())
	default:
		if !s.AllowPlaintext {
			return nil, fmt.Errorf("bundle %s is not encrypted (.age or sops); set secrets.allow_plaintext to use it", path)
		}
		return data, nil
	}
}

func (s Store) sopsPath() string {
	if p := strings.TrimSpace(s.SopsPath); p != "" {
		return p
	}
	return "sops"
}

func (s Store) sopsEnv() []string {
	if strings.TrimSpace(s.AgeKeyPath) == "" {
		return nil
	}
	return []string{"SOPS_AGE_KEY_FILE=" + s.AgeKeyPath}
}

var (
	ageBinaryHeader = []byte("age-encryption.org/")
	ageArmorHeader  = []byte("-----BEGIN AGE ENCRYPTED FILE-----")
)

func detectFormat(path string, data []byte) format {
	lower := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(lower, ".age") || bytes.HasPrefix(data, ageBinaryHeader) || bytes.HasPrefix(data, ageArmorHeader) {
		return formatAge
	}
	if strings.Contains(lower, ".sops.") || strings.HasSuffix(lower, ".sops") {
		return formatSops
	}
	if bytes.Contains(data, []byte("\nsops:")) || bytes.Contains(data, []byte(`"sops"`)) {
		return formatSops
	}
	return formatPlain
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func decryptAge(path string, data []byte, keyPath string) ([]byte, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required for .age bundles")
	}
	keyFile, err := os.Open(keyPath)
	if err != nil {
		return nil, fmt.Errorf("open age key %s: %w", keyPath, err)
	}
	defer keyFile.Close()
	identities, err := age.ParseIdentities(keyFile)
	if err != nil {
		return nil, fmt.Errorf("parse age key %s: %w", keyPath, err)
	}
	var src io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, ageArmorHeader) {
		src = armor.NewReader(src)
	}
	reader, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt bundle %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return payload, nil
}

func decryptSops(ctx context.Context, sopsPath, bundlePath string, extraEnv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, sopsPath, "-d", bundlePath)
	cmd.Env = append(os.Environ(), extraEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("sops decrypt %s: %w: %s", bundlePath, err, msg)
		}
		return nil, fmt.Errorf("sops decrypt %s: %w", bundlePath, err)
	}
	return stdout.Bytes(), nil
}
