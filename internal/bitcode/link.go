package bitcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
)

const blobPerm = 0o644

// versionPattern extracts the major version from clang-style and
// LLVM-style version banners.
var versionPattern = regexp.MustCompile(`version\s+(\d+)\.`)

// checkToolchain verifies the compiler driver and the bitcode linker agree
// on their major version. Mismatched majors are the most common cause of
// unreadable bitcode, so the build is refused up front.
func (b *Builder) checkToolchain(ctx context.Context) error {
	driverMajor, err := b.toolMajor(ctx, b.cfg.CompilerDriver)
	if err != nil {
		return err
	}

	linkMajor, err := b.toolMajor(ctx, b.cfg.LinkTool)
	if err != nil {
		return err
	}

	if driverMajor != 0 && linkMajor != 0 && driverMajor != linkMajor {
		return fmt.Errorf("%w: %s is %d, %s is %d",
			ErrToolchainMismatch, b.cfg.CompilerDriver, driverMajor, b.cfg.LinkTool, linkMajor)
	}

	return nil
}

// toolMajor reports a tool's major version, or zero when the tool runs but
// its banner is unparseable.
func (b *Builder) toolMajor(ctx context.Context, tool string) (int, error) {
	out, err := exec.CommandContext(ctx, tool, "--version").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("%w: %s unavailable: %v", ErrBuildFailed, tool, err)
	}

	major, ok := parseMajorVersion(string(out))
	if !ok {
		b.log.WarnContext(ctx, "unparseable tool version banner", slog.String("tool", tool))

		return 0, nil
	}

	return major, nil
}

// parseMajorVersion pulls the major component out of a version banner.
func parseMajorVersion(banner string) (int, bool) {
	match := versionPattern.FindStringSubmatch(banner)
	if match == nil {
		return 0, false
	}

	major, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}

	return major, true
}

// link merges the retained blobs into library.bc. A single blob is copied
// rather than linked.
func (b *Builder) link(ctx context.Context, req Request, blobs []string) (string, error) {
	out := filepath.Join(req.WorkDir, LibraryBC)

	if len(blobs) == 1 {
		if err := copyFile(blobs[0], out); err != nil {
			return "", fmt.Errorf("%w: copy single blob: %v", ErrBuildFailed, err)
		}

		return out, nil
	}

	args := append([]string{"-o", out}, blobs...)
	if err := b.runTool(ctx, req, b.cfg.LinkTool, args...); err != nil {
		return "", err
	}

	return out, nil
}

// disassemble emits the textual IR next to the bitcode module.
func (b *Builder) disassemble(ctx context.Context, req Request, bcPath string) (string, error) {
	out := filepath.Join(req.WorkDir, LibraryLL)

	if err := b.runTool(ctx, req, b.cfg.DisTool, "-o", out, bcPath); err != nil {
		return "", err
	}

	return out, nil
}

// runTool executes one toolchain binary, streaming output to the request
// writer.
func (b *Builder) runTool(ctx context.Context, req Request, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = req.ProjectDir
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", ErrBuildFailed, tool, ctx.Err())
		}

		return fmt.Errorf("%w: %s: %v", ErrBuildFailed, tool, err)
	}

	return nil
}

// copyFile copies src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, blobPerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
