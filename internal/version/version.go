// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("crashsentry %s (commit %s, built %s, %s)", Version, Commit, BuildDate, runtime.Version())
}

// UserAgent identifies outbound HTTP requests.
func UserAgent() string {
	return "crashsentry/" + Version
}
