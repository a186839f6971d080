package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// messages receives progress and diagnostics. Results go to the command's
// stdout so they can be piped.
var messages io.Writer = os.Stderr

// fieldWidth aligns the labels printed by printField.
const fieldWidth = 10

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func notify(color, mark, format string, args ...any) {
	fmt.Fprintln(messages, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notify(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notify(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notify(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { notify(colorCyan, "→", format, args...) }

// printField prints one "label: value" line of a status report.
func printField(label, format string, args ...any) {
	l := colorize(colorBold, fmt.Sprintf("%-*s", fieldWidth, label+":"))
	fmt.Fprintf(messages, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

// excerpt shortens s to at most n runes, marking the cut.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
