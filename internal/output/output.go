// Package output provides consistent CLI output formatting.
package output

import (
	"fmt"
	"io"
)

// Writer formats CLI output for humans. JSON output paths bypass it.
type Writer struct {
	out io.Writer
}

// New creates a Writer on top of out.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status prints a status line with an optional icon. Write errors are
// ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status line with an optional icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Successf prints a formatted success line.
func (w *Writer) Successf(format string, args ...any) {
	w.Status("✅", fmt.Sprintf(format, args...))
}

// Warnf prints a formatted warning line.
func (w *Writer) Warnf(format string, args ...any) {
	w.Status("⚠️ ", fmt.Sprintf(format, args...))
}

// Errorf prints a formatted error line.
func (w *Writer) Errorf(format string, args ...any) {
	w.Status("❌", fmt.Sprintf(format, args...))
}

// KV prints an aligned key/value pair for status-style listings.
func (w *Writer) KV(key string, value any) {
	_, _ = fmt.Fprintf(w.out, "  %-16s %v\n", key+":", value)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}
