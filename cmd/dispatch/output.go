package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// renderNewsletter writes a newsletter as plain text, one numbered entry per
// item.
func renderNewsletter(w io.Writer, n newsletterView) {
	fmt.Fprintln(w, colorize(colorBold, "Dispatch for "+n.IssueDate))
	fmt.Fprintln(w, colorize(colorDim, strings.Repeat("─", 40)))
	if len(n.Items) == 0 {
		fmt.Fprintf(w, "%d items\n", n.ItemCount)
		return
	}
	for i, it := range n.Items {
		fmt.Fprintf(w, "\n%d. %s\n", i+1, colorize(colorBold, it.Headline))
		if it.Summary != "" {
			fmt.Fprintf(w, "   %s\n", it.Summary)
		}
		fmt.Fprintf(w, "   %s\n", colorize(colorCyan, it.URL))
	}
}

func renderWarnings(warnings []warningView) {
	for _, w := range warnings {
		if w.Subject != "" {
			printWarning("%s: %s (%s)", w.Stage, w.Message, w.Subject)
		} else {
			printWarning("%s: %s", w.Stage, w.Message)
		}
	}
}
