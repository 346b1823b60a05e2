package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"warden/pkg/protocol"
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// Theme defines the colours used for text output.
type Theme struct {
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Info    lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Info:    lipgloss.Color("12"),  // Blue
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// printer renders command results in the selected format. Text output is
// styled only when w is a terminal.
type printer struct {
	w      io.Writer
	format string
	styled bool
	theme  Theme
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case formatText, formatJSON, formatYAML:
	case "":
		format = formatText
	default:
		return nil, fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
	return &printer{w: w, format: format, styled: isTerminal(w), theme: DefaultTheme()}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// emit writes v as JSON or YAML, or calls text for the text format.
func (p *printer) emit(v any, text func(p *printer)) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(p)
		return nil
	}
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) paint(c lipgloss.Color, bold bool, s string) string {
	if !p.styled {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Bold(bold).Render(s)
}

func (p *printer) ok(s string) string    { return p.paint(p.theme.Success, true, s) }
func (p *printer) fail(s string) string  { return p.paint(p.theme.Error, true, s) }
func (p *printer) warn(s string) string  { return p.paint(p.theme.Warning, false, s) }
func (p *printer) muted(s string) string { return p.paint(p.theme.Muted, false, s) }

// band renders a priority band, hottest first in colour weight.
func (p *printer) band(b protocol.Band) string {
	s := string(b)
	if s == "" {
		s = "--"
	}
	switch b {
	case protocol.BandP0:
		return p.paint(p.theme.Error, true, s)
	case protocol.BandP1:
		return p.paint(p.theme.Warning, true, s)
	case protocol.BandP2:
		return p.paint(p.theme.Info, false, s)
	default:
		return p.muted(s)
	}
}

func (p *printer) outcome(o protocol.Outcome) string {
	if o.Success() {
		return p.ok(string(o))
	}
	return p.fail(string(o))
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
