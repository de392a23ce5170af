// Package version exposes build-time version metadata.
package version

import "fmt"

var (
	// Version is the semantic version, injected at build time.
	Version = "dev"
	// GitCommit is the short commit hash, injected at build time.
	GitCommit = "unknown"
)

// String returns a human-readable version string.
func String() string {
	return fmt.Sprintf("tania %s (%s)", Version, GitCommit)
}
