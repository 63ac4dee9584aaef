// Package version carries build information for EduPilot binaries.
package version

import "runtime"

// Version is set via ldflags at build time:
// -X github.com/edupilot/edupilot/pkg/version.Version=v1.2.3
var Version = "dev"

var (
	// Commit is the git commit hash, set via ldflags.
	Commit = "unknown"
	// Date is the build date in RFC3339, set via ldflags.
	Date = "unknown"
	// GoVersion is the toolchain that built the binary.
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Info returns the current build information.
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
	}
}
