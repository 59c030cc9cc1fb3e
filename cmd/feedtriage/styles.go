package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"

	"github.com/pders01/feedtriage/internal/storage"
)

var (
	primaryColor   = lipgloss.Color("#FF6B6B")
	secondaryColor = lipgloss.Color("#4ECDC4")
	textColor      = lipgloss.Color("#EAEAEA")
	mutedColor     = lipgloss.Color("#94A3B8")
	highColor      = lipgloss.Color("#FFE66D")
	errorColor     = lipgloss.Color("#EF4444")
	successColor   = lipgloss.Color("#10B981")
)

var (
	logoStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(textColor)

	highStyle = lipgloss.NewStyle().
			Foreground(highColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Faint(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(successColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 2)
)

const banner = "feedtriage ›"

func showBanner(version string) {
	line := logoStyle.Render(banner)
	if version != "" && version != "dev" {
		line += " " + mutedStyle.Render(version)
	}
	fmt.Fprintln(os.Stderr, line)
}

// terminalWidth returns the stdout width, or fallback when not a terminal.
func terminalWidth(fallback int) int {
	if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
		return w
	}
	return fallback
}

func partitionLabel(p storage.Partition) string {
	if p == storage.PartitionHigh {
		return highStyle.Render("HIGH")
	}
	return mutedStyle.Render("std")
}

func outcomeLabel(outcome string) string {
	switch outcome {
	case "resolved", "undone":
		return successStyle.Render(outcome)
	case "undo_conflict":
		return errorStyle.Render(outcome)
	default:
		return mutedStyle.Render(outcome)
	}
}

// kv renders aligned label/value rows.
func kv(rows ...[2]string) string {
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(labelStyle.Render(r[0]))
		b.WriteString(valueStyle.Render(r[1]))
	}
	return b.String()
}
