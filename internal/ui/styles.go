// Package ui renders terminal output for the tunnelmon commands.
//
// Colors are disabled when stdout is not a terminal or NO_COLOR is set, so
// piped output and tests see plain text.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	if !ColorEnabled() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ColorEnabled reports whether styled output should be produced.
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return IsTerminal()
}

// RenderAccent highlights identifiers and headings.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass marks successful outcomes.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn marks something that needs attention.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail marks errors and overdue visits.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted dims secondary information.
func RenderMuted(s string) string { return mutedStyle.Render(s) }
