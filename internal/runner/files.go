package runner

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const base64LineLen = 76

// WriteFile places content at path with mode, atomically. The payload is
// base64 inside a quoted heredoc, decoded into a temp file beside path,
// checked against its SHA-256 digest, then renamed over the destination.
func (r *Runner) WriteFile(ctx context.Context, path string, mode os.FileMode, content []byte) error {
	if strings.TrimSpace(path) == "" {
		return &ArtifactWriteError{Path: path, Err: fmt.Errorf("empty path")}
	}
	script, err := writeScript(path, mode, content)
	if err != nil {
		return &ArtifactWriteError{Path: path, Err: err}
	}
	res, err := r.Run(ctx, script, Options{Silent: true, Idempotent: true})
	if err != nil {
		return &ArtifactWriteError{Path: path, Result: res, Err: err}
	}
	if !res.ExitKnown || res.ExitStatus != 0 {
		return &ArtifactWriteError{Path: path, Result: res}
	}
	r.logger.Debug("wrote file", "path", path, "bytes", len(content), "mode", fmt.Sprintf("%#o", mode.Perm()))
	return nil
}

// ReadFile returns the exact bytes of path on the host.
func (r *Runner) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := r.Run(ctx, "base64 < "+Quote(path), Options{Silent: true, Idempotent: true})
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := CheckExit("read "+path, res); err != nil {
		return "", err
	}
	encoded := strings.Join(strings.Fields(res.Stdout), "")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("read %s: decode: %w", path, err)
	}
	return string(data), nil
}

func writeScript(path string, mode os.FileMode, content []byte) (string, error) {
	payload := wrap(base64.StdEncoding.EncodeToString(content), base64LineLen)
	nonce, err := randomHex(8)
	if err != nil {
		return "", err
	}
	delim := "HOSTPROV_EOF_" + nonce
	if strings.Contains(payload, delim) {
		return "", fmt.Errorf("heredoc delimiter collides with payload")
	}
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	dest := Quote(path)

	var b strings.Builder
	b.WriteString("set -eu\n")
	fmt.Fprintf(&b, "dest=%s\n", dest)
	b.WriteString(`dir=$(dirname -- "$dest")` + "\n")
	b.WriteString(`mkdir -p -- "$dir"` + "\n")
	b.WriteString(`tmp=$(mktemp "$dir/.hostprov.XXXXXX")` + "\n")
	b.WriteString(`trap 'rm -f -- "$tmp"' EXIT` + "\n")
	fmt.Fprintf(&b, "base64 -d > \"$tmp\" <<'%s'\n", delim)
	if payload != "" {
		b.WriteString(payload)
		b.WriteString("\n")
	}
	b.WriteString(delim + "\n")
	b.WriteString(`actual=$(sha256sum "$tmp" | cut -d' ' -f1)` + "\n")
	fmt.Fprintf(&b, "if [ \"$actual\" != %s ]; then echo \"digest mismatch for $dest\" >&2; exit 1; fi\n", digest)
	fmt.Fprintf(&b, "chmod %04o \"$tmp\"\n", mode.Perm())
	b.WriteString(`mv -f -- "$tmp" "$dest"` + "\n")
	b.WriteString("trap - EXIT\n")
	return b.String(), nil
}

func wrap(s string, width int) string {
	if len(s) <= width {
		return s
	}
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}
