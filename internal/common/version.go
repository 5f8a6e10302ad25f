package common

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/bobmcallan/mcpnotes/internal/common.Version=..."
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// GetBuildInfo returns the build metadata of the running binary.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Build:     Build,
		Commit:    GitCommit,
		GoVersion: runtime.Version(),
	}
}

func GetVersion() string   { return Version }
func GetBuild() string     { return Build }
func GetGitCommit() string { return GitCommit }

// GetFullVersion is the one-line form printed by the version command.
func GetFullVersion() string {
	info := GetBuildInfo()
	return fmt.Sprintf("mcpnotes %s (build %s, commit %s, %s)", info.Version, info.Build, info.Commit, info.GoVersion)
}
