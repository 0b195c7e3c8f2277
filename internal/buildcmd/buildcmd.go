// Package buildcmd resolves how to build a project: a user-provided
// build script when the ticket names one, otherwise a canonical command
// sequence mapped from the detected build system.
package buildcmd

import (
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/callfang/internal/probe"
	"github.com/Sumatoshi-tech/callfang/internal/ticket"
)

// Command sources.
const (
	SourceUser = "user"
	SourceAuto = "auto_detect"
)

// Confidence per source tier.
const (
	ConfidenceUser = 1.0
	ConfidenceAuto = 0.8
)

// ErrNoStrategy indicates neither a user script nor a known build system
// applies.
var ErrNoStrategy = errors.New("no build strategy")

// BuildCommand is the resolved build recipe. Commands are shell lines run
// sequentially in the project root with the compiler environment already
// redirected.
type BuildCommand struct {
	Commands    []string
	BuildSystem string
	Source      string
	Confidence  float64
}

// autoCommands maps detected build systems to canonical command
// sequences. Ecosystem tags for non-C/C++ projects map to nothing: they
// cannot produce bitcode.
var autoCommands = map[string][]string{
	probe.BuildCMake: {
		"cmake -S . -B build",
		"cmake --build build -j$(nproc)",
	},
	probe.BuildAutotools: {
		"[ -x configure ] || autoreconf -fi",
		"./configure",
		"make -j$(nproc)",
	},
	probe.BuildMeson: {
		"meson setup build",
		"ninja -C build",
	},
	probe.BuildScript: {
		"sh build.sh",
	},
	probe.BuildMake: {
		"make -j$(nproc)",
	},
}

// Resolve picks the build recipe for a ticket and probed project.
func Resolve(tk *ticket.Ticket, info *probe.ProjectInfo) (BuildCommand, error) {
	if tk.BuildScript != "" {
		return BuildCommand{
			Commands:    []string{"sh " + tk.BuildScript},
			BuildSystem: info.BuildSystem,
			Source:      SourceUser,
			Confidence:  ConfidenceUser,
		}, nil
	}

	commands, ok := autoCommands[info.BuildSystem]
	if !ok {
		return BuildCommand{}, fmt.Errorf("%w for build system %q", ErrNoStrategy, info.BuildSystem)
	}

	return BuildCommand{
		Commands:    commands,
		BuildSystem: info.BuildSystem,
		Source:      SourceAuto,
		Confidence:  ConfidenceAuto,
	}, nil
}
