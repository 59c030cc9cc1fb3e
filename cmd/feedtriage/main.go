package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtriage/internal/app"
	"github.com/pders01/feedtriage/internal/config"
	"github.com/pders01/feedtriage/internal/debuglog"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	configPath string
	dbPath     string
	logLevel   string
	jsonOutput bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "feedtriage",
	Short:         "Security feed triage: ingest, resolve, alert and digest",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if dbPath != "" {
			loaded.Database.Path = dbPath
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := debuglog.Setup(debuglog.ParseLogLevel(loaded.Log.Level), loaded.Log.File); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = debuglog.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Show version information",
	Annotations: map[string]string{"skipConfig": "true"},
	Run: func(*cobra.Command, []string) {
		fmt.Printf("feedtriage %s\n", Version)
		fmt.Println("Security feed triage")
		fmt.Println("github.com/pders01/feedtriage")
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configGenCmd = &cobra.Command{
	Use:         "generate",
	Short:       "Write a default config file",
	Annotations: map[string]string{"skipConfig": "true"},
	Run: func(*cobra.Command, []string) {
		target := configPath
		if target == "" {
			home, _ := os.UserHomeDir()
			target = filepath.Join(home, ".config", "feedtriage", "config.toml")
		}
		if err := config.GenerateDefaultConfig(target); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			return
		}
		fmt.Printf("Generated default configuration at: %s\n", target)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Fetch feeds, deliver alerts and write digests on schedule",
	RunE: func(cmd *cobra.Command, _ []string) error {
		showBanner(Version)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Serve(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to database file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, off")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	configCmd.AddCommand(configGenCmd)
	rootCmd.AddCommand(versionCmd, configCmd, serveCmd, fetchCmd, feedsCmd, queueCmd, digestCmd, statsCmd, searchCmd)
}

// withApp builds the application for one command and tears it down after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// emit prints v as JSON with --json, otherwise runs the human renderer.
func emit(v any, human func()) error {
	if !jsonOutput {
		human()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
