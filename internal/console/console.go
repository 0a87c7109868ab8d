// Package console prints operator-facing progress: stage headers, step
// outcomes, findings and the final summary. Everything printed passes
// through the redactor.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/hostprov/hostprov/internal/redact"
	"github.com/mattn/go-isatty"
)

// Step statuses as printed.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusWarn    = "warn"
	StatusFailed  = "failed"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8C00"))
	failedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F85149"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	urlStyle     = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Console writes to one stream.
type Console struct {
	mu       sync.Mutex
	out      io.Writer
	redactor *redact.Redactor
	color    bool
}

// New wraps out. Styling is applied only when color is true.
func New(out io.Writer, r *redact.Redactor, color bool) *Console {
	return &Console{out: out, redactor: r, color: color}
}

// ForFile wraps f, enabling styling when f is a terminal and NO_COLOR is unset.
func ForFile(f *os.File, r *redact.Redactor) *Console {
	return New(f, r, IsTerminal(f) && os.Getenv("NO_COLOR") == "")
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Writer returns the raw stream for live command output. Callers are
// expected to redact what they write.
func (c *Console) Writer() io.Writer {
	return c.out
}

func (c *Console) paint(style lipgloss.Style, s string) string {
	if !c.color {
		return s
	}
	return style.Render(s)
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, c.redactor.Redact(s)+"\n")
}

// Header prints a stage banner.
func (c *Console) Header(title string) {
	c.println("\n" + c.paint(headerStyle, "=== "+title+" ==="))
}

// Step prints one step outcome line.
func (c *Console) Step(index int, name, status, detail string, took time.Duration) {
	label := fmt.Sprintf("[%-7s]", status)
	switch status {
	case StatusOK:
		label = c.paint(okStyle, label)
	case StatusSkipped:
		label = c.paint(skippedStyle, label)
	case StatusWarn:
		label = c.paint(warnStyle, label)
	case StatusFailed:
		label = c.paint(failedStyle, label)
	}
	line := fmt.Sprintf("%s %2d %s", label, index, name)
	if detail != "" {
		line += ": " + detail
	}
	if took > 0 {
		line += " " + c.paint(mutedStyle, "("+took.Round(10*time.Millisecond).String()+")")
	}
	c.println(line)
}

// Infof prints a plain line.
func (c *Console) Infof(format string, args ...any) {
	c.println(fmt.Sprintf(format, args...))
}

// Warnf prints a warning line.
func (c *Console) Warnf(format string, args ...any) {
	c.println(c.paint(warnStyle, "WARNING: ") + fmt.Sprintf(format, args...))
}

// Errorf prints an error line.
func (c *Console) Errorf(format string, args ...any) {
	c.println(c.paint(failedStyle, "ERROR: ") + fmt.Sprintf(format, args...))
}

// Section prints a titled block, indenting the body.
func (c *Console) Section(title, body, errText string) {
	c.Header(title)
	if body = strings.TrimRight(body, "\n"); body != "" {
		c.println(body)
	}
	if errText != "" {
		c.Errorf("%s", errText)
	}
}

// URL prints a highlighted endpoint line.
func (c *Console) URL(label, url string) {
	c.println(label + ": " + c.paint(urlStyle, url))
}
