package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Presence is the outcome of a probe.
type Presence int

const (
	Indeterminate Presence = iota
	Present
	Absent
)

func (p Presence) String() string {
	switch p {
	case Present:
		return "present"
	case Absent:
		return "absent"
	default:
		return "indeterminate"
	}
}

// Probe evaluates testExpr on the host. The expression's own output is
// discarded; the remote prints exactly one of two per-call sentinels and
// anything else is Indeterminate with a *ProbeAmbiguityError.
func (r *Runner) Probe(ctx context.Context, name, testExpr string) (Presence, error) {
	nonce, err := randomHex(8)
	if err != nil {
		return Indeterminate, err
	}
	present := "HOSTPROV_PRESENT_" + nonce
	absent := "HOSTPROV_ABSENT_" + nonce
	script := fmt.Sprintf("if ( %s ) >/dev/null 2>&1; then echo %s; else echo %s; fi", testExpr, present, absent)

	res, err := r.Run(ctx, script, Options{Silent: true, Idempotent: true})
	if err != nil {
		return Indeterminate, fmt.Errorf("probe %s: %w", name, err)
	}
	presence := classifyProbe(res.Stdout, present, absent)
	if presence == Indeterminate || res.Failed() {
		return Indeterminate, &ProbeAmbiguityError{Name: name, Result: res}
	}
	r.logger.Debug("probe", "name", name, "result", presence.String())
	return presence, nil
}

func classifyProbe(stdout, present, absent string) Presence {
	switch strings.TrimSpace(stdout) {
	case present:
		return Present
	case absent:
		return Absent
	default:
		return Indeterminate
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
