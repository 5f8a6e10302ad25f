package common

import (
	"fmt"
	"io"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(w io.Writer, config *Config, logger *Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	fmt.Fprintf(w, "\n%s\n\n", hr)
	fmt.Fprintf(w, "%s  MCPNOTES  OAuth 2.1 protected MCP server%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(w, "\n%s\n\n", hr)

	kvPad := 16
	kvLines := [][2]string{
		{"Version", GetVersion()},
		{"Build", GetBuild()},
		{"Commit", GetGitCommit()},
		{"Environment", config.Environment},
		{"Base URL", config.Server.BaseURL},
		{"Issuer", config.Auth.Issuer},
		{"Resource", config.Auth.Resource},
		{"Storage", config.Storage.Backend},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(w, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}
	fmt.Fprintf(w, "\n%s\n\n", hr)

	logger.Info().
		Str("version", GetVersion()).
		Str("environment", config.Environment).
		Str("issuer", config.Auth.Issuer).
		Str("resource", config.Auth.Resource).
		Str("storage", config.Storage.Backend).
		Msg("Application started")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(w io.Writer, logger *Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	hr := lineColor + strings.Repeat("═", 42) + banner.ColorReset

	fmt.Fprintf(w, "\n%s\n", hr)
	fmt.Fprintf(w, "%s  MCPNOTES  SHUTTING DOWN%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(w, "%s\n\n", hr)

	logger.Info().Msg("Application shutting down")
}
