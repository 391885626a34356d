package cli

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/interfaces/guard"
)

// newStatusCommand creates the status command
func newStatusCommand(app *App) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Long: `Show who is signed in and when the access token expires.

With --watch the view stays open and follows sign-ins, refreshes and
sign-outs as they happen. Press q to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return runStatusWatch(cmd, app)
			}

			app.start(cmd.Context())
			model := newStatusModel(app.Container.Config.LoginPath, false)
			model.state = app.Container.Session.State()
			fmt.Fprintln(cmd.OutOrStdout(), model.View())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow session changes")

	return cmd
}

// runStatusWatch shows the waiting indicator until the initial session
// resolution finishes, then follows every state change
func runStatusWatch(cmd *cobra.Command, app *App) error {
	ctx := cmd.Context()
	sc := app.Container.Session

	model := newStatusModel(app.Container.Config.LoginPath, true)
	model.state = sc.State()

	program := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)

	cancel := sc.Watch(func(state domain.AuthState) {
		program.Send(stateMsg(state))
	})
	defer cancel()

	go func() {
		app.start(ctx)
		program.Send(stateMsg(sc.State()))
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("status view failed: %w", err)
	}
	return nil
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// statusModel holds the state for the Bubble Tea status view
type statusModel struct {
	state     domain.AuthState
	loginPath string
	watch     bool
	frame     int
	changes   int
	lastEvent time.Time
}

func newStatusModel(loginPath string, watch bool) statusModel {
	return statusModel{
		state:     domain.AuthState{Loading: true},
		loginPath: loginPath,
		watch:     watch,
	}
}

// stateMsg is sent whenever the session context changes
type stateMsg domain.AuthState

// spinnerTickMsg advances the waiting indicator
type spinnerTickMsg time.Time

func spinnerTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return spinnerTickMsg(t)
	})
}

// Init implements the Bubble Tea init method
func (m statusModel) Init() tea.Cmd {
	return spinnerTick()
}

// Update implements the Bubble Tea update method
func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case stateMsg:
		m.state = domain.AuthState(msg)
		m.changes++
		m.lastEvent = time.Now()
		return m, nil

	case spinnerTickMsg:
		if !m.state.Loading {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, spinnerTick()
	}

	return m, nil
}

// View implements the Bubble Tea view method
func (m statusModel) View() string {
	var body string
	switch guard.Decide(m.state, "", m.loginPath).Decision {
	case guard.Wait:
		body = spinnerFrames[m.frame] + " Resolving session..."
	case guard.Allow:
		body = m.renderSession()
	default:
		body = warnStyle.Render("Not signed in") + "\n" +
			mutedStyle.Render("Run `cohort login` to sign in")
	}

	if !m.watch {
		return body
	}

	header := titleStyle.Render("Cohort session")
	footer := mutedStyle.Render(fmt.Sprintf("Changes: %d | [q] Quit", m.changes))
	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", footer)
}

// renderSession renders the signed-in user and token lifetime
func (m statusModel) renderSession() string {
	lines := []string{successStyle.Render("✅ Signed in as " + userLabel(m.state.User))}

	if m.state.Session != nil {
		cred := m.state.Session.Credential
		if !cred.ExpiresAt.IsZero() {
			remaining := cred.TimeUntilExpiry().Round(time.Second)
			expiry := fmt.Sprintf("Token expires %s (in %s)", cred.ExpiresAt.Local().Format("15:04:05"), remaining)
			if remaining <= 0 {
				expiry = warnStyle.Render("Token expired, it will be refreshed on next use")
			}
			lines = append(lines, expiry)
		}
		if cred.RefreshToken != "" {
			lines = append(lines, mutedStyle.Render("Refresh token stored"))
		}
	}
	if m.state.AccessToken != "" {
		lines = append(lines, mutedStyle.Render("Access token: "+maskToken(m.state.AccessToken)))
	}

	return strings.Join(lines, "\n")
}

// maskToken keeps only enough of a token to tell sessions apart
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}
