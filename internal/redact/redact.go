// Package redact scrubs credentials from anything printed to the operator
// console or written to logs.
package redact

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"sync"
)

// Placeholder replaces every scrubbed value.
const Placeholder = "[REDACTED]"

// minValueLen keeps short, common strings (ports, "root") from being
// treated as secrets when registered by accident.
const minValueLen = 6

var defaultKeys = []string{
	"token",
	"bot_token",
	"authtoken",
	"auth_token",
	"access_token",
	"refresh_token",
	"api_key",
	"secret",
	"password",
	"passphrase",
	"private_key",
	"ssh_private_key",
	"ngrok_authtoken",
}

type pattern struct {
	re   *regexp.Regexp
	repl string
}

// Redactor scrubs sensitive values and key/value pairs from text.
type Redactor struct {
	mu       sync.RWMutex
	keySet   map[string]struct{}
	keys     []string
	valSet   map[string]struct{}
	values   []string
	patterns []pattern
}

// New builds a redactor with the default sensitive keys plus extraKeys.
func New(extraKeys []string) *Redactor {
	r := &Redactor{
		keySet: make(map[string]struct{}),
		valSet: make(map[string]struct{}),
	}
	r.AddKeys(defaultKeys...)
	r.AddKeys(extraKeys...)
	return r
}

// AddKeys registers additional sensitive keys. Matching is case-insensitive
// and also covers keys that end in _<key> (BOT_TOKEN matches "token").
func (r *Redactor) AddKeys(keys ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, key := range keys {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if normalized == "" {
			continue
		}
		if _, ok := r.keySet[normalized]; ok {
			continue
		}
		r.keySet[normalized] = struct{}{}
		r.keys = append(r.keys, normalized)
		changed = true
	}
	if changed {
		r.patterns = buildKeyPatterns(r.keys)
	}
}

// AddValues registers literal secret values.
func (r *Redactor) AddValues(values ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if len(trimmed) < minValueLen {
			continue
		}
		if _, ok := r.valSet[trimmed]; ok {
			continue
		}
		r.valSet[trimmed] = struct{}{}
		r.values = append(r.values, trimmed)
	}
}

// IsSensitiveKey reports whether key names a secret.
func (r *Redactor) IsSensitiveKey(key string) bool {
	if r == nil {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.keySet[normalized]; ok {
		return true
	}
	for _, k := range r.keys {
		if strings.HasSuffix(normalized, "_"+k) {
			return true
		}
	}
	return false
}

// Redact returns a scrubbed copy of input.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	r.mu.RLock()
	values := append([]string(nil), r.values...)
	patterns := append([]pattern(nil), r.patterns...)
	r.mu.RUnlock()

	output := input
	for _, value := range values {
		output = strings.ReplaceAll(output, value, Placeholder)
	}
	for _, p := range patterns {
		output = p.re.ReplaceAllString(output, p.repl)
	}
	return output
}

func buildKeyPatterns(keys []string) []pattern {
	var patterns []pattern
	for _, key := range keys {
		escaped := `[A-Za-z0-9_]*` + regexp.QuoteMeta(key)
		patterns = append(patterns,
			pattern{
				re:   regexp.MustCompile(`(?i)("` + escaped + `"\s*:\s*")([^"]*)(")`),
				repl: `${1}` + Placeholder + `${3}`,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*=\s*")([^"]*)(")`),
				repl: `${1}` + Placeholder + `${3}`,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*=\s*')([^']*)(')`),
				repl: `${1}` + Placeholder + `${3}`,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*=\s*)([^\s"']+)`),
				repl: `${1}` + Placeholder,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*:\s*)([^\s"']+)`),
				repl: `${1}` + Placeholder,
			},
		)
	}
	return patterns
}

// LineWriter redacts complete lines before passing them to the wrapped
// writer. Partial lines are held until a newline arrives or Flush is called,
// so a secret split across two writes is still scrubbed.
type LineWriter struct {
	mu     sync.Mutex
	out    io.Writer
	r      *Redactor
	prefix string
	buf    bytes.Buffer
}

// NewLineWriter wraps out. prefix is prepended to every emitted line.
func NewLineWriter(out io.Writer, r *Redactor, prefix string) *LineWriter {
	return &LineWriter{out: out, r: r, prefix: prefix}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		if err := w.emit(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	return w.emit(line + "\n")
}

func (w *LineWriter) emit(line string) error {
	_, err := io.WriteString(w.out, w.prefix+w.r.Redact(line))
	return err
}
