// Package buildinfo holds application metadata stamped at build time:
//
//	go build -ldflags "\
//	  -X github.com/nedpals/davi-card-agent/buildinfo.Version=1.0.0 \
//	  -X github.com/nedpals/davi-card-agent/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/nedpals/davi-card-agent/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Name is the technical application name, also the mDNS instance prefix.
	Name = "davi-card-agent"

	// DisplayName is shown in the tray and in phone registration replies.
	DisplayName = "Davi Card Agent"

	Description = "Smart card APDU agent for PC/SC, libnfc and phone NFC readers"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// FullVersion returns "1.0.0" or "1.0.0 (abc1234)".
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns "davi-card-agent/1.0.0".
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}

// Summary returns a multi-line description for -version output.
func Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  %s\n", Description)
	fmt.Fprintf(&b, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}

// IsDev reports whether this is an unreleased build.
func IsDev() bool {
	return Version == "dev"
}
