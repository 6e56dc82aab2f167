// Package version reports build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the version line printed by the CLI.
func String() string {
	return fmt.Sprintf("profilerxray %s (%s, %s)", resolvedVersion(), Commit, Date)
}

// resolvedVersion falls back to the module version recorded by
// `go install module@version` when no ldflags were set.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return Version
	}
	return info.Main.Version
}
