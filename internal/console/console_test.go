package console

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/hostprov/hostprov/internal/redact"
	"github.com/stretchr/testify/require"
)

func TestPlainOutputIsUnstyledAndRedacted(t *testing.T) {
	r := redact.New(nil)
	r.AddValues("2q8TLmjV0SjHaEAez")
	var buf bytes.Buffer
	c := New(&buf, r, false)

	c.Header("Configuring tunnel")
	c.Step(3, "ensure source", StatusOK, "pulled", 1234*time.Millisecond)
	c.Step(7, "bootstrap data store", StatusSkipped, "present", 0)
	c.Infof("authtoken %s", "2q8TLmjV0SjHaEAez")
	c.Warnf("peer %s not running", "trading-bot")
	c.URL("Public URL", "https://x.ngrok-free.app")

	want := "\n=== Configuring tunnel ===\n" +
		"[ok     ]  3 ensure source: pulled (1.23s)\n" +
		"[skipped]  7 bootstrap data store: present\n" +
		"authtoken [REDACTED]\n" +
		"WARNING: peer trading-bot not running\n" +
		"Public URL: https://x.ngrok-free.app\n"
	require.Equal(t, want, buf.String())
	require.NotContains(t, buf.String(), "\x1b[")
}

func TestSectionPrintsErrors(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, nil, false)
	c.Section("files /root/app/dist", "", "ls: cannot access '/root/app/dist'")
	require.Equal(t, "\n=== files /root/app/dist ===\nERROR: ls: cannot access '/root/app/dist'\n", buf.String())
}

func TestIsTerminalOnRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	require.False(t, IsTerminal(f))
	require.False(t, IsTerminal(nil))
}
