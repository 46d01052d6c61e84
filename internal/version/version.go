// Package version holds build-time version info injected via ldflags.
//
// Build with:
//
//	go build -ldflags "-X github.com/xfeldman/cfctl/internal/version.version=v0.3.0 -X github.com/xfeldman/cfctl/internal/version.commit=$(git rev-parse --short HEAD)"
package version

import "runtime"

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = ""
)

// Version returns the build version string.
func Version() string {
	return version
}

// String renders version, commit and Go runtime for `cfctl version`.
func String() string {
	s := version
	if commit != "" {
		s += " (" + commit + ")"
	}
	return s + " " + runtime.Version()
}
