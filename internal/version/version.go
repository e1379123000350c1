// Package version holds the build-time version string, overridable via
// -ldflags at release build time.
package version

// Version and GitCommit are set at build time via -ldflags
// "-X github.com/moovcs/vcsd/internal/version.Version=...". The zero
// values below only appear in a dev build.
var (
	Version   = "dev"
	GitCommit = ""
)

// String returns the full version string reported by `vcsd version`.
func String() string {
	if GitCommit == "" {
		return Version
	}
	return Version + " (" + GitCommit + ")"
}
