// Package buildinfo carries version identifiers stamped at build time via
// -ldflags "-X github.com/greenroomhq/greenroom/internal/buildinfo.Version=...".
package buildinfo

var (
	Version = "dev"
	Commit  = "none"
)
