package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

const (

	// Program name, used as the default log tag.
	Name = "smapd"

	// Client program name.
	ClientName = "smapc"

	// String to indicate an undefined variable
	defaultUndefined = "(undefined)"

	// Version reported by builds without linker flags.
	develVersion = "devel"

	// Main branch name used in version strings
	mainBranch = "main"
)

var (
	version   = "" // Version number (e.g., "1.2.3")
	stage     = "" // Development stage or git branch (e.g., "staging", "main")
	gitCommit = "" // Git commit hash (e.g., "a1b2c3d4")
	rawQuiet  = "" // "true" makes quiet output the default
	rawDebug  = "" // "true" makes debug output the default
)

// Returns true if the build defaults to quiet output.
func IsQuiet() bool {
	v, _ := strconv.ParseBool(rawQuiet)
	return v
}

// Returns true if the build defaults to debug output.
func IsDebug() bool {
	v, _ := strconv.ParseBool(rawDebug)
	return v
}

// Returns the current version.
//
// Linker flags take precedence. Otherwise the module version recorded by the
// Go toolchain is used, and "devel" when there is none. A "v" prefix is
// stripped.
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v = bi.Main.Version
		}
	}
	if v == "" {
		return develVersion
	}
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

// Returns the development stage, or "(undefined)".
func Stage() string {
	s := strings.TrimSpace(stage)
	if s == "" {
		return defaultUndefined
	}
	return strings.ToLower(s)
}

// Returns the git commit hash.
//
// Falls back to the VCS revision recorded by the Go toolchain, shortened to
// twelve characters.
func GitCommit() string {
	if c := strings.TrimSpace(gitCommit); c != "" {
		return c
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value[:min(len(s.Value), 12)]
			}
		}
	}
	return defaultUndefined
}

// Returns a detailed version string, formatted as
// "<name> <version>[+<stage>] (<git-commit>, <go-version> <os>/<arch>)".
//
// The stage is omitted for the main branch and when unset.
func VersionString(name string) string {
	v := Version()
	if s := Stage(); s != defaultUndefined && s != mainBranch {
		v += "+" + s
	}
	return fmt.Sprintf("%s %s (%s, %s %s/%s)", name, v, GitCommit(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
