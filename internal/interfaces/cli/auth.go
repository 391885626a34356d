package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cohort.app/auth/internal/application/gateway"
	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/interfaces/guard"
	"cohort.app/auth/internal/interfaces/navigation"
)

var errNotSignedIn = errors.New("not signed in, run `cohort login`")

// newLoginCommand creates the login command
func newLoginCommand(app *App) *cobra.Command {
	var (
		email         string
		password      string
		passwordStdin bool
		from          string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long:  `Sign in against the configured identity provider and store the session locally.`,
		Example: `  cohort login --email you@example.com --password-stdin < password.txt
  cohort login --email you@example.com --password hunter22 --from /dashboard`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, password, passwordStdin)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app.start(ctx)

			session, err := app.Container.Session.SignIn(ctx, email, secret)
			if err != nil {
				return describeAuthError(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successStyle.Render("✅ Signed in as "+userLabel(session.User)))
			if from != "" {
				loginURL := guard.LoginLocation(app.Container.Config.LoginPath, from)
				fmt.Fprintf(out, "Continue to %s\n", navigation.ReturnTo(loginURL, "/"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.Flags().StringVar(&from, "from", "", "Location to continue to after signing in")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

// newLogoutCommand creates the logout command
func newLogoutCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove stored credentials",
		Long:  `Revoke the session remotely and clear every locally stored credential. Local state is cleared even when the provider cannot be reached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app.start(ctx)

			out := cmd.OutOrStdout()
			if err := app.Container.Session.SignOut(ctx); err != nil {
				if errors.Is(err, domain.ErrProviderUnavailable) {
					fmt.Fprintln(out, warnStyle.Render("⚠️  Signed out locally, the identity provider could not be reached"))
					return nil
				}
				return err
			}

			fmt.Fprintln(out, successStyle.Render("✅ Signed out"))
			return nil
		},
	}
}

// newTokenCommand creates the token command
func newTokenCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the current access token",
		Long:  `Print the access token of the current session, refreshing it first when it is about to expire.`,
		Example: `  curl -H "Authorization: Bearer $(cohort token)" https://api.cohort.app/me`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app.start(ctx)

			token, err := app.Container.Session.GetToken(ctx)
			if err != nil {
				return err
			}
			if token == "" {
				return errNotSignedIn
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

// newResetPasswordCommand creates the reset-password command
func newResetPasswordCommand(app *App) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Email a password reset link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Container.Session.RequestPasswordReset(cmd.Context(), email); err != nil {
				return describeAuthError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✅ If an account exists for "+email+", a reset link is on its way"))
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

// newUpdatePasswordCommand creates the update-password command
func newUpdatePasswordCommand(app *App) *cobra.Command {
	var (
		password      string
		passwordStdin bool
		link          string
	)

	cmd := &cobra.Command{
		Use:   "update-password",
		Short: "Change the password of the signed-in user",
		Long: `Change the password of the signed-in user.

With --link, the recovery link from a reset email establishes the session first.`,
		Example: `  cohort update-password --password-stdin
  cohort update-password --link 'https://app.cohort.app/reset#access_token=...&type=recovery' --password-stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, password, passwordStdin)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app.start(ctx)

			if link != "" {
				cred, err := gateway.RecoveryCredentialFromURL(link)
				if err != nil {
					return describeAuthError(err)
				}
				if _, err := app.Container.Gateway.BeginRecovery(ctx, cred); err != nil {
					return describeAuthError(err)
				}
			}

			user, err := app.Container.Session.UpdatePassword(ctx, secret)
			if err != nil {
				return describeAuthError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✅ Password updated for "+userLabel(user)))
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "New password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the new password from stdin")
	cmd.Flags().StringVar(&link, "link", "", "Recovery link from the reset email")

	return cmd
}

// readSecret takes the secret from the flag or the first line of stdin
func readSecret(cmd *cobra.Command, flagValue string, fromStdin bool) (string, error) {
	if !fromStdin {
		if flagValue == "" {
			return "", errors.New("a password is required (--password or --password-stdin)")
		}
		return flagValue, nil
	}
	if flagValue != "" {
		return "", errors.New("--password and --password-stdin are mutually exclusive")
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// describeAuthError prefixes provider errors with a hint while keeping them
// matchable with errors.Is
func describeAuthError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fmt.Errorf("check your input: %w", err)
	case errors.Is(err, domain.ErrInvalidCredentials):
		return fmt.Errorf("wrong email or password: %w", err)
	case errors.Is(err, domain.ErrRateLimited):
		return fmt.Errorf("too many attempts, try again shortly: %w", err)
	case errors.Is(err, domain.ErrProviderUnavailable):
		return fmt.Errorf("identity provider unreachable: %w", err)
	case errors.Is(err, domain.ErrSessionNotFound):
		return fmt.Errorf("%w: %w", errNotSignedIn, err)
	default:
		return err
	}
}

func userLabel(user *domain.User) string {
	switch {
	case user == nil:
		return "unknown user"
	case user.Email != "":
		return user.Email
	default:
		return user.ID
	}
}
