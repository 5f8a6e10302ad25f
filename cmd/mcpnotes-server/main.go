package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobmcallan/mcpnotes/internal/app"
	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/server"
)

const codePurgeInterval = time.Minute

var configPath string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcpnotes-server",
		Short: "OAuth-protected MCP notes server",
		Long: `mcpnotes-server runs an OAuth 2.1 authorization server and an MCP
resource server in one process.

Tools are served over Streamable HTTP at /mcp. Calls to protected tools
without a suitable bearer token are answered with a WWW-Authenticate
challenge that points at /.well-known/oauth-protected-resource.`,
		SilenceUsage: true,
		RunE:         runServer,
	}
	rootCmd.Version = common.GetFullVersion()
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a TOML config file (defaults to MCPNOTES_CONFIG, then mcpnotes.toml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), common.GetFullVersion())
		},
	})
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	a, err := app.NewApp(configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer a.Close()

	common.PrintBanner(os.Stdout, a.Config, a.Logger)

	a.StartCodePurger(codePurgeInterval)

	srv := server.NewServer(a)
	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	a.Logger.Info().
		Str("issuer", a.Config.Auth.Issuer).
		Str("mcp", a.Config.Auth.Resource).
		Msg("Server ready")

	// Wait for interrupt signal, HTTP shutdown request, or server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		a.Logger.Info().Msg("Shutdown signal received")
	case <-shutdownChan:
		a.Logger.Info().Msg("Shutdown requested via HTTP")
	case err := <-errChan:
		a.Logger.Error().Err(err).Msg("HTTP server failed")
		return err
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	common.PrintShutdownBanner(os.Stdout, a.Logger)
	a.Logger.Info().Msg("Server stopped")
	return nil
}
