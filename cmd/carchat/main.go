package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"carchat/cmd/internal/app"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carchat",
	Short: "carchat - realtime buyer/seller mailbox",
	Long: `carchat serves the realtime mailbox over WebSocket and offers terminal clients
against the configured message store.

Configuration is read from CARCHAT_CONFIG (YAML) and CARCHAT_* environment variables.
A .env file in the working directory is loaded first.

Examples:
  carchat serve
  carchat token --user u1
  carchat chat --as u1 --with u2
  carchat inbox --as u1`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP + WebSocket server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.Run(cmd.Context())
	},
}

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed bearer token for a user id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), memoryOnly(cfg), cliLogger())
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		tok, err := a.Identity().Issue(tokenUser)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id to issue the token for")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(inboxCmd)
}

// memoryOnly keeps token issuing independent of the configured store.
func memoryOnly(cfg app.Config) app.Config {
	cfg.Store = app.StoreMemory
	cfg.ReadinessRequireDB = false
	return cfg
}

// cliLogger keeps terminal clients quiet: only warnings and errors, on stderr.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// openApp builds the runtime for a terminal client and cancels ctx on SIGINT/SIGTERM.
func openApp(parent context.Context) (context.Context, *app.App, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	a, err := app.New(ctx, cfg, cliLogger())
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}

	cleanup := func() {
		_ = a.Close(context.Background())
		cancel()
	}
	return ctx, a, cleanup, nil
}
