// Package version carries build identification, set via ldflags.
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
