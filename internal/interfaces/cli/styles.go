package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"cohort.app/auth/internal/interfaces/navigation"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// reportRedirects drains queued login redirects and prints one hint
func reportRedirects(w io.Writer, nav *navigation.Controller) {
	var from string
	seen := false
	for {
		select {
		case rd := <-nav.Redirects():
			if !seen {
				from = rd.From
				seen = true
			}
		default:
			if seen {
				fmt.Fprintln(w, warnStyle.Render("⚠️  Session expired, run `cohort login`"))
				if from != "" {
					fmt.Fprintln(w, mutedStyle.Render("   then retry "+from))
				}
			}
			return
		}
	}
}
