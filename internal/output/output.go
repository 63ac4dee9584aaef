// Package output renders CLI messages. Styled when writing to a
// terminal, plain when piped or when NO_COLOR is set.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette, shared across all CLI commands.
const (
	colorAccent = "39"  // blue for status lines
	colorGreen  = "42"  // success
	colorYellow = "220" // warnings
	colorRed    = "196" // errors
	colorGray   = "245" // secondary text
)

// Styles holds the render styles for one writer.
type Styles struct {
	Status  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
}

func defaultStyles() Styles {
	return Styles{
		Status:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
	}
}

func plainStyles() Styles {
	return Styles{
		Status:  lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
	}
}

// Writer renders messages to a destination.
type Writer struct {
	out    io.Writer
	styles Styles
	color  bool
}

// New creates a writer for out, enabling styling only when out is a
// real terminal and NO_COLOR is unset.
func New(out io.Writer) *Writer {
	color := false
	if f, ok := out.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return NewWithColor(out, color)
}

// NewWithColor creates a writer with styling forced on or off.
func NewWithColor(out io.Writer, color bool) *Writer {
	styles := plainStyles()
	if color {
		styles = defaultStyles()
	}
	return &Writer{out: out, styles: styles, color: color}
}

// Stdout returns a writer for standard output.
func Stdout() *Writer {
	return New(os.Stdout)
}

// Status prints a progress line.
func (w *Writer) Status(msg string) {
	fmt.Fprintln(w.out, w.styles.Status.Render("• "+msg))
}

// Statusf prints a formatted progress line.
func (w *Writer) Statusf(format string, args ...any) {
	w.Status(fmt.Sprintf(format, args...))
}

// Success prints a completion line.
func (w *Writer) Success(msg string) {
	fmt.Fprintln(w.out, w.styles.Success.Render("✓ "+msg))
}

// Successf prints a formatted completion line.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (w *Writer) Warning(msg string) {
	fmt.Fprintln(w.out, w.styles.Warning.Render("! "+msg))
}

// Warningf prints a formatted warning line.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (w *Writer) Error(msg string) {
	fmt.Fprintln(w.out, w.styles.Error.Render("✗ "+msg))
}

// Errorf prints a formatted error line.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Detail prints dimmed secondary text, indented under the line above.
func (w *Writer) Detail(msg string) {
	fmt.Fprintln(w.out, w.styles.Dim.Render("  "+msg))
}

// Block prints a multi-line body indented as one unit, such as an
// answer returned by the query command.
func (w *Writer) Block(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintln(w.out, "  "+line)
	}
}

// Newline prints a blank line.
func (w *Writer) Newline() {
	fmt.Fprintln(w.out)
}

// Progress renders an in-place progress bar when styled, or a plain
// counter line when piped. current may exceed total; it is clamped.
func (w *Writer) Progress(label string, current, total int) {
	if total <= 0 {
		return
	}
	if current > total {
		current = total
	}

	if !w.color {
		fmt.Fprintf(w.out, "%s: %d/%d\n", label, current, total)
		return
	}

	const width = 24
	filled := width * current / total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	fmt.Fprintf(w.out, "\r%s %s %d/%d", label, w.styles.Status.Render(bar), current, total)
	if current == total {
		fmt.Fprintln(w.out)
	}
}
