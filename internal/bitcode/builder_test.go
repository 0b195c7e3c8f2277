package bitcode_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/callfang/internal/bitcode"
	"github.com/Sumatoshi-tech/callfang/internal/config"
)

const stubPerm = 0o755

// driverScript mimics a bitcode-capturing compiler driver: it reports a
// clang-style version banner, records its arguments, and leaves a hidden
// per-TU bitcode file next to the source it was asked to compile.
const driverScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
	echo "clang version %d.0.6"
	exit 0
fi
echo "$@" >> %q
src=""
for a in "$@"; do
	case "$a" in
		*.c|*.cc|*.cpp) src="$a" ;;
	esac
done
if [ -n "$src" ]; then
	printf 'BC[%%s]' "$src" > ".${src}.o.bc"
fi
`

// linkScript mimics llvm-link by concatenating its inputs into the -o
// target.
const linkScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
	echo "LLVM version %d.0.7"
	exit 0
fi
out=""
skip=0
for a in "$@"; do
	if [ "$skip" = 1 ]; then out="$a"; skip=0; continue; fi
	if [ "$a" = "-o" ]; then skip=1; fi
done
: > "$out"
skip=0
for a in "$@"; do
	if [ "$skip" = 1 ]; then skip=0; continue; fi
	if [ "$a" = "-o" ]; then skip=1; continue; fi
	cat "$a" >> "$out"
done
`

// extractScript mimics get-bc: the blob content is derived from the
// archive basename so identical archives extract identically.
const extractScript = `#!/bin/sh
out=""
in=""
while [ $# -gt 0 ]; do
	case "$1" in
		-o) out="$2"; shift 2 ;;
		*) in="$1"; shift ;;
	esac
done
printf 'AR[%s]' "$(basename "$in")" > "$out"
`

const disScript = `#!/bin/sh
printf '; ModuleID = stub\n' > "$2"
`

type toolset struct {
	cfg      config.BuildConfig
	argsFile string
}

func writeStub(t *testing.T, dir, name, script string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), stubPerm))

	return path
}

// newToolset installs a full stub toolchain with the given driver and
// linker major versions.
func newToolset(t *testing.T, driverMajor, linkerMajor int) toolset {
	t.Helper()

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "driver-args.txt")

	return toolset{
		cfg: config.BuildConfig{
			CompilerDriver:    writeStub(t, dir, "driver", fmt.Sprintf(driverScript, driverMajor, argsFile)),
			CompilerDriverCXX: writeStub(t, dir, "driver-cxx", fmt.Sprintf(driverScript, driverMajor, argsFile)),
			ExtractTool:       writeStub(t, dir, "extract", extractScript),
			LinkTool:          writeStub(t, dir, "link", fmt.Sprintf(linkScript, linkerMajor)),
			DisTool:           writeStub(t, dir, "dis", disScript),
		},
		argsFile: argsFile,
	}
}

func newBuilder(ts toolset) *bitcode.Builder {
	return bitcode.New(ts.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuild_WrapperForwardsDebugFlag(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 14)
	projectDir := t.TempDir()

	result, err := newBuilder(ts).Build(context.Background(), bitcode.Request{
		ProjectDir: projectDir,
		WorkDir:    t.TempDir(),
		Commands:   []string{"cc -c a.c", "cc -c b.c"},
	})
	require.NoError(t, err)

	args, err := os.ReadFile(ts.argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-g -c a.c")
	assert.Contains(t, string(args), "-g -c b.c")

	bc, err := os.ReadFile(result.BCPath)
	require.NoError(t, err)
	assert.Equal(t, "BC[a.c]BC[b.c]", string(bc))
	assert.Equal(t, 2, result.Linked)
	assert.Empty(t, result.Excluded)

	ll, err := os.ReadFile(result.LLPath)
	require.NoError(t, err)
	assert.Contains(t, string(ll), "; ModuleID")
}

func TestBuild_ArchiveBlobsAuthoritative(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 14)
	projectDir := t.TempDir()
	installDir := t.TempDir()

	// The build produces two distinct archives, installs one of them, and
	// leaves a stray per-TU blob that must not reach the link.
	build := fmt.Sprintf(
		"mkdir -p out"+
			" && printf BAR > out/libbar.a"+
			" && printf FOO > out/libfoo.a"+
			" && cp out/libfoo.a %q"+
			" && printf TU > .main.c.o.bc",
		filepath.Join(installDir, "libfoo.a"))

	result, err := newBuilder(ts).Build(context.Background(), bitcode.Request{
		ProjectDir:  projectDir,
		WorkDir:     t.TempDir(),
		Commands:    []string{build},
		InstallDirs: []string{installDir},
	})
	require.NoError(t, err)

	bc, err := os.ReadFile(result.BCPath)
	require.NoError(t, err)
	assert.Equal(t, "AR[libbar.a]AR[libfoo.a]", string(bc))
	assert.Equal(t, 2, result.Linked)
	assert.NotContains(t, string(bc), "TU")
}

func TestBuild_HarnessExclusion(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 14)
	projectDir := t.TempDir()

	build := "printf LIB > .zlib_demo.c.o.bc && printf HARNESS > .fuzz_harness.cc.o.bc"

	result, err := newBuilder(ts).Build(context.Background(), bitcode.Request{
		ProjectDir:    projectDir,
		WorkDir:       t.TempDir(),
		Commands:      []string{build},
		FuzzerSources: []string{"fuzz/fuzz_harness.cc"},
	})
	require.NoError(t, err)

	bc, err := os.ReadFile(result.BCPath)
	require.NoError(t, err)
	assert.Equal(t, "LIB", string(bc))
	assert.Equal(t, 1, result.Linked)
	assert.Equal(t, []string{".fuzz_harness.cc.o.bc"}, result.Excluded)
}

func TestBuild_SingleHarnessTUYieldsNoBitcode(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 14)
	workDir := t.TempDir()

	_, err := newBuilder(ts).Build(context.Background(), bitcode.Request{
		ProjectDir:    t.TempDir(),
		WorkDir:       workDir,
		Commands:      []string{"printf HARNESS > .only.cc.o.bc"},
		FuzzerSources: []string{"fuzz/only.cc"},
	})
	require.ErrorIs(t, err, bitcode.ErrNoBitcode)
	require.ErrorIs(t, err, bitcode.ErrBuildFailed)

	assert.NoFileExists(t, filepath.Join(workDir, bitcode.LibraryBC))
}

func TestBuild_CommandFailure(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 14)

	var log bytes.Buffer

	_, err := newBuilder(ts).Build(context.Background(), bitcode.Request{
		ProjectDir: t.TempDir(),
		WorkDir:    t.TempDir(),
		Commands:   []string{"echo boom >&2; exit 3"},
		Output:     &log,
	})
	require.ErrorIs(t, err, bitcode.ErrBuildFailed)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, log.String(), "boom")
}

func TestBuild_ToolchainMismatch(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 15)
	projectDir := t.TempDir()

	_, err := newBuilder(ts).Build(context.Background(), bitcode.Request{
		ProjectDir: projectDir,
		WorkDir:    t.TempDir(),
		Commands:   []string{"touch ran.txt"},
	})
	require.ErrorIs(t, err, bitcode.ErrToolchainMismatch)
	require.ErrorIs(t, err, bitcode.ErrBuildFailed)

	assert.NoFileExists(t, filepath.Join(projectDir, "ran.txt"))
}

func TestBuild_ToolUnavailable(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 14)
	ts.cfg.CompilerDriver = filepath.Join(t.TempDir(), "missing-driver")

	_, err := newBuilder(ts).Build(context.Background(), bitcode.Request{
		ProjectDir: t.TempDir(),
		WorkDir:    t.TempDir(),
	})
	require.ErrorIs(t, err, bitcode.ErrBuildFailed)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestBuild_ContextTimeout(t *testing.T) {
	t.Parallel()

	ts := newToolset(t, 14, 14)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newBuilder(ts).Build(ctx, bitcode.Request{
		ProjectDir: t.TempDir(),
		WorkDir:    t.TempDir(),
		Commands:   []string{"sleep 30"},
	})
	require.ErrorIs(t, err, bitcode.ErrBuildFailed)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestParseMajorVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		banner string
		want   int
		ok     bool
	}{
		{
			name:   "clang",
			banner: "clang version 14.0.6 (https://github.com/llvm/llvm-project)",
			want:   14,
			ok:     true,
		},
		{
			name:   "llvm multiline",
			banner: "LLVM (http://llvm.org/):\n  LLVM version 15.0.7\n  Optimized build.\n",
			want:   15,
			ok:     true,
		},
		{
			name:   "apple clang",
			banner: "Apple clang version 15.0.0 (clang-1500.1.0.2.5)",
			want:   15,
			ok:     true,
		},
		{
			name:   "tagged version is not numeric",
			banner: "gclang version v1.3.0",
			ok:     false,
		},
		{
			name:   "garbage",
			banner: "not a compiler",
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			major, ok := bitcode.ProbeParseMajorVersion(tt.banner)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, major)
		})
	}
}

func TestStems(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "source with dir", got: bitcode.ProbeSourceStem("fuzz/h.cc"), want: "h"},
		{name: "source c", got: bitcode.ProbeSourceStem("demo.c"), want: "demo"},
		{name: "source unknown ext kept", got: bitcode.ProbeSourceStem("weird.zig"), want: "weird.zig"},
		{name: "tu hidden object", got: bitcode.ProbeTUStem(".h.o.bc"), want: "h"},
		{name: "tu source-named object", got: bitcode.ProbeTUStem(".zlib_demo.c.o.bc"), want: "zlib_demo"},
		{name: "tu visible blob", got: bitcode.ProbeTUStem("h.cc.o.bc"), want: "h"},
		{name: "tu bare blob", got: bitcode.ProbeTUStem(".h.bc"), want: "h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.got)
		})
	}
}
