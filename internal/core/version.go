package core

import (
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
)

// Version is the build version of this binary, resolved once at startup.
var Version = readVersion()

func readVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	return versionFromBuildInfo(info)
}

var pseudoVersionRe = regexp.MustCompile(`-(\d+\.)?\d{14}-[0-9a-f]{12}$`)

// versionFromBuildInfo prefers a tagged module version and falls back to the
// VCS revision stamped by the go tool for local builds.
func versionFromBuildInfo(info *debug.BuildInfo) string {
	v := info.Main.Version
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	if v != "" && v != "(devel)" && !pseudoVersionRe.MatchString(v) {
		return info.Main.Version
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	revision := settings["vcs.revision"]
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	version := fmt.Sprintf("devel-%s", revision)
	if settings["vcs.modified"] == "true" {
		version += "-dirty"
	}
	return version
}

// FormatVersion strips the "v" prefix of tagged releases for display.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}
