package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveStep("build", "ok", 3*time.Second)
	m.ObserveStep("verify", "failed", 61*time.Second)
	m.ObserveRun("deploy", "failed", 2*time.Minute, time.Unix(1760000000, 0))
	m.IncRetry()

	path := filepath.Join(t.TempDir(), "hostprov.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, `hostprov_step_total{status="ok",step="build"} 1`)
	require.Contains(t, text, `hostprov_step_total{status="failed",step="verify"} 1`)
	require.Contains(t, text, `hostprov_step_duration_seconds_count{step="build"} 1`)
	require.Contains(t, text, `hostprov_run_total{command="deploy",result="failed"} 1`)
	require.Contains(t, text, `hostprov_run_last_timestamp_seconds{command="deploy",result="failed"} 1.76e+09`)
	require.Contains(t, text, "hostprov_command_retries_total 1")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStep("x", "ok", time.Second)
	m.ObserveRun("deploy", "ok", time.Second, time.Now())
	m.IncRetry()
	require.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestEmptyPathSkipsWrite(t *testing.T) {
	require.NoError(t, New().WriteTextfile(""))
}
