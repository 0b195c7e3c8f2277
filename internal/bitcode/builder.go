// Package bitcode produces a single library-only whole-program bitcode
// artifact from a C/C++ project. It redirects the project's native build
// through a compiler wrapper that captures per-TU bitcode, collects the
// built blobs, drops harness translation units whose entry symbols would
// collide at link time, and links the remainder into library.bc plus its
// textual disassembly.
package bitcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/Sumatoshi-tech/callfang/internal/config"
)

// Build failure sentinels. Every more specific error wraps ErrBuildFailed
// so callers can classify with a single errors.Is.
var (
	// ErrBuildFailed indicates a compile, extract, or link step failed.
	ErrBuildFailed = errors.New("bitcode build failed")

	// ErrToolchainMismatch indicates the compiler driver and the bitcode
	// linker report different major versions.
	ErrToolchainMismatch = fmt.Errorf("%w: compiler and linker major versions differ", ErrBuildFailed)

	// ErrNoBitcode indicates no bitcode blobs survived collection and
	// harness exclusion, so there is nothing to link.
	ErrNoBitcode = fmt.Errorf("%w: no bitcode blobs retained", ErrBuildFailed)
)

// Artifact names written into the request work directory.
const (
	LibraryBC = "library.bc"
	LibraryLL = "library.ll"
)

// Request describes one bitcode production run.
type Request struct {
	// ProjectDir is the checked-out project root the build runs in.
	ProjectDir string

	// WorkDir is a per-build scratch directory for wrappers, extracted
	// blobs, and the output artifacts. It must not live inside ProjectDir.
	WorkDir string

	// Commands are shell lines executed sequentially in ProjectDir.
	Commands []string

	// FuzzerSources are the declared harness translation units, flattened
	// across fuzzers, as project-relative paths.
	FuzzerSources []string

	// InstallDirs are additional trees to scan for static archives.
	InstallDirs []string

	// Output receives the combined stdout and stderr of every subprocess.
	Output io.Writer
}

// Result reports the produced artifacts.
type Result struct {
	// BCPath is the linked library-only bitcode module.
	BCPath string

	// LLPath is its textual disassembly.
	LLPath string

	// Linked is the number of blobs merged into BCPath.
	Linked int

	// Excluded lists the blob basenames dropped as harness TUs.
	Excluded []string
}

// Builder runs native project builds under a bitcode-capturing toolchain.
type Builder struct {
	cfg config.BuildConfig
	log *slog.Logger
}

// New creates a Builder using the configured toolchain.
func New(cfg config.BuildConfig, log *slog.Logger) *Builder {
	return &Builder{cfg: cfg, log: log}
}

// Build executes the full pipeline: toolchain check, wrapper install,
// native build, blob collection, harness exclusion, link, disassemble.
// The build itself is never retried here.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	if req.Output == nil {
		req.Output = io.Discard
	}

	if err := b.checkToolchain(ctx); err != nil {
		return nil, err
	}

	env, err := installWrappers(req.WorkDir, b.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: install wrappers: %v", ErrBuildFailed, err)
	}

	for _, command := range req.Commands {
		if err := b.runCommand(ctx, req, env, command); err != nil {
			return nil, err
		}
	}

	blobs, excluded, err := b.collect(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(blobs) == 0 {
		return nil, ErrNoBitcode
	}

	bcPath, err := b.link(ctx, req, blobs)
	if err != nil {
		return nil, err
	}

	llPath, err := b.disassemble(ctx, req, bcPath)
	if err != nil {
		return nil, err
	}

	b.log.InfoContext(ctx, "bitcode linked",
		slog.String("bc_path", bcPath),
		slog.Int("blobs", len(blobs)),
		slog.Int("excluded", len(excluded)))

	return &Result{
		BCPath:   bcPath,
		LLPath:   llPath,
		Linked:   len(blobs),
		Excluded: excluded,
	}, nil
}

// runCommand executes one build line through the shell with the wrapper
// environment active, streaming all output to the request writer.
func (b *Builder) runCommand(ctx context.Context, req Request, env []string, command string) error {
	b.log.InfoContext(ctx, "build command", slog.String("command", command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = req.ProjectDir
	cmd.Env = env
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: command %q: %v", ErrBuildFailed, command, ctx.Err())
		}

		return fmt.Errorf("%w: command %q: %v", ErrBuildFailed, command, err)
	}

	return nil
}
