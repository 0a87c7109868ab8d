package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hostprov/hostprov/internal/remote"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTripIsByteExact(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(&remote.LocalSession{Dir: dir}, io.Discard, nil)
	ctx := context.Background()

	cases := map[string]string{
		"quotes":     "single ' double \" back ` dollar $HOME $(whoami)\n",
		"braces":     "{\"users\": [], \"subscriptions\": []}\n${PORT:-3001} {{ .Port }}\n",
		"delimiter":  "line one\nHOSTPROV_EOF_0123456789abcdef\nEOF\n'EOF'\nline after\n",
		"no-newline": "no trailing newline",
		"empty":      "",
		"binary":     string([]byte{0x00, 0xff, 0x10, '\n', '\r', 0x7f}),
		"long":       string(make([]byte, 4096)),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name+".txt")
			require.NoError(t, r.WriteFile(ctx, path, 0o640, []byte(content)))

			got, err := r.ReadFile(ctx, path)
			require.NoError(t, err)
			require.Equal(t, content, got)

			onDisk, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Equal(t, content, string(onDisk))

			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, os.FileMode(0o640), info.Mode().Perm())
		})
	}

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".hostprov.", "temp file left behind")
	}
}

func TestWriteFileOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(&remote.LocalSession{}, io.Discard, nil)
	path := filepath.Join(dir, ".env")
	ctx := context.Background()

	require.NoError(t, r.WriteFile(ctx, path, 0o600, []byte("PORT=3000\n")))
	require.NoError(t, r.WriteFile(ctx, path, 0o600, []byte("PORT=3001\n")))
	got, err := r.ReadFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "PORT=3001\n", got)
}

func TestWriteFileFailureLeavesPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.service")
	require.NoError(t, os.WriteFile(path, []byte("previous\n"), 0o644))

	broken := &remote.LocalSession{Env: []string{"PATH=" + filepath.Join(dir, "no-tools")}}
	r := newTestRunner(broken, io.Discard, nil)
	err := r.WriteFile(context.Background(), path, 0o644, []byte("next\n"))
	var writeErr *ArtifactWriteError
	require.ErrorAs(t, err, &writeErr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "previous\n", string(data))
}

func TestReadFileMissing(t *testing.T) {
	r := newTestRunner(&remote.LocalSession{}, io.Discard, nil)
	_, err := r.ReadFile(context.Background(), filepath.Join(t.TempDir(), "absent"))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
}

func TestProbeAgainstLocalShell(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(&remote.LocalSession{}, io.Discard, nil)
	ctx := context.Background()

	got, err := r.Probe(ctx, "dir", "test -d "+Quote(dir))
	require.NoError(t, err)
	require.Equal(t, Present, got)

	got, err = r.Probe(ctx, "marker", "test -d "+Quote(filepath.Join(dir, ".git")))
	require.NoError(t, err)
	require.Equal(t, Absent, got)

	got, err = r.Probe(ctx, "noisy", "echo chatter")
	require.NoError(t, err, "expression output is discarded")
	require.Equal(t, Present, got)
}
