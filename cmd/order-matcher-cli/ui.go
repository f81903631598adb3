package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
)

// UI prints human output. Every method is a no-op in JSON mode.
type UI struct {
	progress *mpb.Progress
	bars     []*mpb.Bar
	noColor  bool
	jsonMode bool
}

// NewUI creates a UI. Progress rendering goes to stderr so stdout stays
// parseable.
func NewUI(jsonMode, noColor bool) *UI {
	if noColor {
		color.NoColor = true
	}
	var progress *mpb.Progress
	if !jsonMode {
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(os.Stderr))
	}
	return &UI{progress: progress, noColor: noColor, jsonMode: jsonMode}
}

// Close aborts unfinished bars and waits for rendering to end.
func (ui *UI) Close() {
	if ui.progress == nil {
		return
	}
	for _, b := range ui.bars {
		if !b.Completed() {
			b.Abort(false)
		}
	}
	// Wait can hang when nothing renders to a pipe.
	if IsTerminal() {
		ui.progress.Wait()
	} else {
		ui.progress.Shutdown()
	}
}

func (ui *UI) printf(c color.Attribute, symbol, format string, args ...any) {
	if ui.jsonMode {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if ui.noColor {
		fmt.Printf("%s %s\n", symbol, msg)
		return
	}
	color.New(c).Printf("%s %s\n", symbol, msg)
}

// Success prints a success line.
func (ui *UI) Success(format string, args ...any) { ui.printf(color.FgGreen, "✓", format, args...) }

// Warning prints a warning line.
func (ui *UI) Warning(format string, args ...any) { ui.printf(color.FgYellow, "⚠", format, args...) }

// Info prints an informational line.
func (ui *UI) Info(format string, args ...any) { ui.printf(color.FgCyan, "ℹ", format, args...) }

// Step prints a step line.
func (ui *UI) Step(format string, args ...any) { ui.printf(color.FgBlue, "→", format, args...) }

// Error prints an error line to stderr.
func (ui *UI) Error(format string, args ...any) {
	if ui.jsonMode {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if ui.noColor {
		fmt.Fprintf(os.Stderr, "✗ %s\n", msg)
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", msg)
}

// ProgressBar adds a counting bar. It returns nil in JSON mode.
func (ui *UI) ProgressBar(name string, total int64) *mpb.Bar {
	if ui.progress == nil {
		return nil
	}
	bar := ui.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 12}), " done"),
		),
	)
	ui.bars = append(ui.bars, bar)
	return bar
}

// Spinner adds an indeterminate bar. Complete it with SetTotal(-1, true).
func (ui *UI) Spinner(name string) *mpb.Bar {
	if ui.progress == nil {
		return nil
	}
	bar := ui.progress.New(0,
		mpb.SpinnerStyle("⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"),
		mpb.BarFillerOnComplete("✓"),
		mpb.PrependDecorators(decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR})),
		mpb.AppendDecorators(decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12})),
	)
	ui.bars = append(ui.bars, bar)
	return bar
}

// finishBar completes a bar or spinner; nil is allowed.
func finishBar(b *mpb.Bar) {
	if b == nil {
		return
	}
	b.SetTotal(-1, true)
}

// Section prints a section header.
func (ui *UI) Section(title string) {
	if ui.jsonMode {
		return
	}
	fmt.Println()
	color.New(color.FgMagenta, color.Bold).Printf("━━━ %s ━━━\n", strings.ToUpper(title))
	fmt.Println()
}

// KeyValue prints an indented key and value.
func (ui *UI) KeyValue(key string, value any) {
	if ui.jsonMode {
		return
	}
	color.New(color.FgYellow).Printf("  %s: ", key)
	fmt.Printf("%v\n", value)
}

// Table prints rows under headers with box borders.
func (ui *UI) Table(headers []string, rows [][]string) {
	if ui.jsonMode || len(headers) == 0 {
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = displayWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && displayWidth(cell) > widths[i] {
				widths[i] = displayWidth(cell)
			}
		}
	}

	border := color.New(color.FgCyan, color.Bold)
	rule := func(left, mid, right string) {
		parts := make([]string, len(widths))
		for i, w := range widths {
			parts[i] = strings.Repeat("─", w+2)
		}
		border.Println(left + strings.Join(parts, mid) + right)
	}
	line := func(cells []string) {
		var b strings.Builder
		b.WriteString("│")
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(" " + cell + strings.Repeat(" ", w-displayWidth(cell)) + " │")
		}
		fmt.Println(b.String())
	}

	rule("┌", "┬", "┐")
	line(headers)
	rule("├", "┼", "┤")
	for _, row := range rows {
		line(row)
	}
	rule("└", "┴", "┘")
}

// Newline prints an empty line.
func (ui *UI) Newline() {
	if !ui.jsonMode {
		fmt.Println()
	}
}

// Confidence renders a band with its color.
func (ui *UI) Confidence(level retrieval.ConfidenceLevel, pct int) string {
	text := fmt.Sprintf("%s (%d%%)", level, pct)
	if ui.noColor {
		return text
	}
	switch level {
	case retrieval.ConfidenceVeryHigh, retrieval.ConfidenceHigh:
		return color.GreenString(text)
	case retrieval.ConfidenceMedium:
		return color.YellowString(text)
	default:
		return color.RedString(text)
	}
}

// Priority renders a review priority with its color.
func (ui *UI) Priority(p review.Priority) string {
	if ui.noColor {
		return string(p)
	}
	switch p {
	case review.PriorityUrgent:
		return color.New(color.FgRed, color.Bold).Sprint(p)
	case review.PriorityHigh:
		return color.RedString(string(p))
	case review.PriorityMedium:
		return color.YellowString(string(p))
	default:
		return string(p)
	}
}

// displayWidth counts runes, ignoring ANSI color sequences.
func displayWidth(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		default:
			n++
		}
	}
	return n
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// FormatDuration formats a duration for humans.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	default:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
