package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"cohort.app/auth/internal/infrastructure/config"
	"cohort.app/auth/internal/infrastructure/logging"
	"cohort.app/auth/internal/interfaces/di"
)

var (
	Version   = "dev"     // Overridden by ldflags
	BuildTime = "unknown" // Overridden by ldflags
)

// App carries what commands share across one invocation
type App struct {
	// Environ replaces the process environment when set
	Environ map[string]string
	// Options are appended when the container is built
	Options []di.Option

	Container *di.Container
}

// NewRootCommand RootCommand represents the base command when called without any subcommands
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cohort",
		Short: "Cohort CLI - sign in and call the Cohort API",
		Long: `Cohort CLI manages your Cohort session.

It signs you in against the configured identity provider, keeps the session
fresh, and attaches it to requests sent to the Cohort API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsContainer(cmd) {
				return nil
			}
			cfg, err := config.LoadFrom(app.Environ)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Apply configuration overrides from flags
			if err := applyConfigurationOverrides(cmd, cfg); err != nil {
				return fmt.Errorf("failed to apply configuration overrides: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := logging.New(logging.Options{
				Level: cfg.LogLevel,
				Debug: cfg.Debug,
				Out:   cmd.ErrOrStderr(),
			})
			validator := config.NewConfigValidator()
			for _, endpoint := range []string{cfg.IdPURL, cfg.APIURL} {
				if validator.InsecureEndpoint(endpoint) {
					logger.Warn().Str("url", endpoint).Msg("using non-HTTPS endpoint for non-localhost URL")
				}
			}

			opts := append([]di.Option{di.WithUserAgent("cohort-cli/" + Version)}, app.Options...)
			container, err := di.NewContainer(cfg, logger, opts...)
			if err != nil {
				return err
			}
			app.Container = container
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.finish(cmd.ErrOrStderr())
		},
	}

	// Set custom version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))

	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("api-url", "", "Cohort API URL")
	rootCmd.PersistentFlags().String("idp-url", "", "Identity provider URL")
	rootCmd.PersistentFlags().String("idp-kind", "", "Identity provider (gotrue or kratos)")
	rootCmd.PersistentFlags().String("store", "", "Credential store (memory, file or sqlite)")
	rootCmd.PersistentFlags().String("store-path", "", "Credential store location")

	// Add subcommands
	rootCmd.AddCommand(newLoginCommand(app))
	rootCmd.AddCommand(newLogoutCommand(app))
	rootCmd.AddCommand(newStatusCommand(app))
	rootCmd.AddCommand(newTokenCommand(app))
	rootCmd.AddCommand(newResetPasswordCommand(app))
	rootCmd.AddCommand(newUpdatePasswordCommand(app))
	rootCmd.AddCommand(newRequestCommand(app))

	return rootCmd
}

// goVersion returns the Go version used to build the binary
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

// needsContainer is false for cobra's built-in help and completion commands
func needsContainer(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd:
			return false
		}
	}
	return true
}

// applyConfigurationOverrides applies configuration overrides from command line flags.
// Only flags that were explicitly set replace environment values.
func applyConfigurationOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	stringFlags := map[string]*string{
		"log-level":  &cfg.LogLevel,
		"api-url":    &cfg.APIURL,
		"idp-url":    &cfg.IdPURL,
		"idp-kind":   &cfg.IdPKind,
		"store":      &cfg.Store,
		"store-path": &cfg.StorePath,
	}
	for name, target := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		value, err := flags.GetString(name)
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("--%s cannot be empty", name)
		}
		*target = value
	}

	if flags.Changed("debug") {
		debugMode, err := flags.GetBool("debug")
		if err != nil {
			return err
		}
		cfg.Debug = debugMode
	}

	return nil
}

// start resolves the stored session before a command uses it. A failed
// resolution leaves the user signed out and is logged by the container.
func (a *App) start(ctx context.Context) {
	_ = a.Container.Start(ctx)
}

// finish reports pending login redirects and releases the container
func (a *App) finish(errOut io.Writer) error {
	if a.Container == nil {
		return nil
	}
	reportRedirects(errOut, a.Container.Navigation)
	err := a.Container.Close()
	a.Container = nil
	return err
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) int {
	app := &App{}
	rootCmd := NewRootCommand(app)

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		// PersistentPostRunE is skipped when RunE fails
		_ = app.finish(os.Stderr)
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		return 1
	}
	return 0
}
