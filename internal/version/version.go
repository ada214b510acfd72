// Package version holds build information for both daemons. The values are
// set at build time:
//
//	go build -ldflags "-X github.com/doughall/hostmgr/internal/version.Version=1.4.0 \
//	                   -X github.com/doughall/hostmgr/internal/version.Commit=abc123 \
//	                   -X github.com/doughall/hostmgr/internal/version.BuildTime=2026-01-29T12:00:00Z"
package version

import "fmt"

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// BuildTime is the RFC3339 build timestamp.
	BuildTime = "unknown"
)

// Info returns a one-line description of the named binary and the schema
// version it serves.
func Info(binary string, schemaVersion uint32) string {
	return fmt.Sprintf("%s %s (schema v%d, commit: %s, built: %s)", binary, Version, schemaVersion, Commit, BuildTime)
}
