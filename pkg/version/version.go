// Package version exposes build-time version information for callfang.
package version

import "runtime/debug"

// These values are injected at build time via -ldflags.
var (
	// Version is the semantic version of the callfang binary.
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"

	// Date is the UTC build timestamp in RFC 3339 form.
	Date = "unknown"
)

// InitBinaryVersion fills in values that -ldflags left at their
// defaults from the binary's embedded build info, so plain `go install`
// builds still report something useful.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == "unknown" {
				Commit = setting.Value
			}
		case "vcs.time":
			if Date == "unknown" {
				Date = setting.Value
			}
		}
	}
}
