// Package appversion reports the warden build version.
package appversion

import (
	"runtime/debug"
	"sync"
)

// version is set at build time via -ldflags "-X warden/internal/appversion.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

var (
	once     sync.Once
	resolved string
)

// String returns the current version. Without an ldflags stamp it falls back
// to the module version recorded by "go install", then to the VCS revision.
func String() string {
	once.Do(func() {
		resolved = resolve(version, debug.ReadBuildInfo)
	})
	return resolved
}

// Revision returns the short VCS revision embedded by the Go toolchain, or "".
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return revision(info)
}

func resolve(stamped string, read func() (*debug.BuildInfo, bool)) string {
	if stamped != "" && stamped != "dev" {
		return stamped
	}
	info, ok := read()
	if !ok {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	if rev := revision(info); rev != "" {
		return "dev-" + rev
	}
	return "dev"
}

func revision(info *debug.BuildInfo) string {
	var rev, dirty string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "+dirty"
			}
		}
	}
	if rev == "" {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return rev + dirty
}
