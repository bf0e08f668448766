// Package version holds build metadata injected at link time via
// -ldflags "-X syncgate/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the semantic version or git describe output.
	Version = "dev"
	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"
	// Date is the build timestamp.
	Date = "unknown"
)

// Info returns a one-line human-readable version string.
func Info() string {
	return fmt.Sprintf("syncgate %s (commit %s, built %s)", Version, Commit, Date)
}
