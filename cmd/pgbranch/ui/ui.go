// Package ui provides the small set of terminal styling helpers the CLI
// uses for human-facing output, grounded on the teacher's
// internal/utils/colors.go.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	aqua = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	bold = lipgloss.NewStyle().Bold(true)
	red  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Aqua highlights a command or branch name.
func Aqua(s string) string { return aqua.Render(s) }

// Bold highlights a path or filename.
func Bold(s string) string { return bold.Render(s) }

// Red highlights an error message.
func Red(s string) string { return red.Render(s) }
