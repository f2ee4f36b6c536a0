// ABOUTME: Entry point for the switchboard support-chat router
// ABOUTME: Cobra root command with serve, init and migrate; API client commands live in client.go

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _ _       _     _                         _
 _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

// configPath is the --config flag shared by all commands.
var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "switchboard",
		Short: "Support-chat router between a messaging transport and human operators",
		Long: `switchboard receives client messages from a messaging transport, answers
them with a menu bot and hands conversations to human operators who work
them through an HTTP API with real-time events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $SWITCHBOARD_CONFIG or $XDG_CONFIG_HOME/switchboard/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newMigrateCmd(),
		newTokenCmd(),
		newStatusCmd(),
		newConversationsCmd(),
		newSendCmd(),
	)
	return root
}

// resolveConfigPath returns the --config flag or the default location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the router and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Transport:  ")
	cyan.Print(cfg.Transport.Driver)
	if cfg.Transport.Driver == config.DriverCloudAPI {
		gray.Printf(" (webhook %s)", cfg.Transport.CloudAPI.WebhookPath)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Inactivity: %s\n", cfg.Conversation.InactivityTimeout)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! operator auth disabled, identities come from X-Operator-ID")
	}
	fmt.Println()

	logger.Info("starting switchboard",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Transport.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath()
			if err := writeStarterConfig(path, force); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("  ✓ Created config: %s\n", path)
			fmt.Println()
			fmt.Println("  Edit the transport section, then start the server:")
			fmt.Println("    switchboard serve")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// writeStarterConfig writes config.Starter to path, refusing to overwrite
// unless force is set.
func writeStarterConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Starter), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			version, dirty, err := migrateDatabase(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen)
			green.Printf("  ✓ Database: %s\n", cfg.Database.Path)
			fmt.Printf("    schema version %d", version)
			if dirty {
				color.New(color.FgRed).Print(" (dirty)")
			}
			fmt.Println()
			return nil
		},
	}
}

// migrateDatabase opens the store, which applies pending migrations, and
// reports the resulting schema version.
func migrateDatabase(ctx context.Context, path string) (uint, bool, error) {
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return 0, false, fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	return s.SchemaVersion(ctx)
}
