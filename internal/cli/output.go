package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/picklr-io/ec2-cli/internal/lifecycle"
	"github.com/picklr-io/ec2-cli/internal/profile"
)

// ExitStatus carries a remote command's exit code to the process exit.
type ExitStatus int

func (e ExitStatus) Error() string {
	return fmt.Sprintf("remote command exited with status %d", int(e))
}

var (
	styleHeader = lipgloss.NewStyle().Bold(true)
	styleReady  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleBusy   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleFaint  = lipgloss.NewStyle().Faint(true)
)

// paint renders text in style unless color is disabled.
func paint(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func phaseStyle(p lifecycle.Phase) lipgloss.Style {
	switch p {
	case lifecycle.Ready:
		return styleReady
	case lifecycle.Failed:
		return styleFailed
	case lifecycle.Terminated:
		return styleFaint
	default:
		return styleBusy
	}
}

// table prints rows with columns padded to the widest cell. Styling is
// applied after padding so escape codes do not skew the widths.
type table struct {
	header []string
	rows   [][]string
	styles map[int]func(row []string) lipgloss.Style
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = len(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if i < len(widths) && len(c) > widths[i] {
				widths[i] = len(c)
			}
		}
	}
	pad := func(s string, i int) string {
		if i == len(widths)-1 {
			return s
		}
		return s + strings.Repeat(" ", widths[i]-len(s)+2)
	}

	var line strings.Builder
	for i, h := range t.header {
		line.WriteString(pad(h, i))
	}
	fmt.Fprintln(w, paint(styleHeader, strings.TrimRight(line.String(), " ")))
	for _, r := range t.rows {
		line.Reset()
		for i, c := range r {
			cell := pad(c, i)
			if style, ok := t.styles[i]; ok {
				cell = paint(style(r), cell)
			}
			line.WriteString(cell)
		}
		fmt.Fprintln(w, strings.TrimRight(line.String(), " "))
	}
}

func age(since, now time.Time) string {
	if since.IsZero() {
		return "-"
	}
	d := now.Sub(since)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func timeDuration(d profile.Duration) time.Duration { return time.Duration(d) }
