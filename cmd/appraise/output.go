package main

import (
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

const (
	markOK   = "✓"
	markFail = "✗"
	markWarn = "⚠"
	markSkip = "-"
	markStep = "→"
)

// statusLabelWidth is wider than the longest status label ("Model report_writer:").
const statusLabelWidth = 21

// uiOut receives human-oriented output. Data meant for pipes goes to the
// command's OutOrStdout instead.
var uiOut io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// stepMark renders the outcome glyph of one pipeline step.
func stepMark(success bool) string {
	if success {
		return colorize(colorGreen, markOK)
	}
	return colorize(colorRed, markFail)
}

func printLine(color, mark, format string, args ...any) {
	fmt.Fprintln(uiOut, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, markOK, format, args...) }

func printError(format string, args ...any) { printLine(colorRed, markFail, format, args...) }

func printWarning(format string, args ...any) { printLine(colorYellow, markWarn, format, args...) }

func printStep(format string, args ...any) { printLine(colorCyan, markStep, format, args...) }

func printStatus(label string, format string, args ...any) {
	l := fmt.Sprintf("%-*s", statusLabelWidth, label+":")
	fmt.Fprintf(uiOut, "  %s %s\n", colorize(colorBold, l), fmt.Sprintf(format, args...))
}
