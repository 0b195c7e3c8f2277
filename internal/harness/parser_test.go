package harness_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/callfang/internal/harness"
)

const fuzzASource = `#include <stdint.h>
#include <stddef.h>
#include "helpers.h"

static void prepare(const uint8_t *data, size_t size) {
	init_library();
	check_magic(data);
	if (size > 4) {
		parse_header(data, size);
	}
}

static void local_log(const char *msg) {
	(void)msg;
}

int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size) {
	prepare(data, size);
	process_chunk(data, size);
	local_log("done");
	return 0;
}
`

const helpersHeader = `#ifndef HELPERS_H
#define HELPERS_H

#include <stdint.h>

static inline void check_magic(const uint8_t *d) {
	validate_magic(d);
}

#endif
`

const fuzzBSource = `#include <stdint.h>
#include <stddef.h>

int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size) {
	inflate_stream(data, size);
	return 0;
}
`

const templateSource = `#include <cstdint>
#include <cstddef>

extern "C" int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size) {
#ifdef MODE_DEFLATE
	run_deflate(data, size);
#else
	run_inflate(data, size);
#endif
	return 0;
}
`

const methodsSource = `#include <cstdint>
#include <cstddef>

struct Runner {
	void run(const uint8_t *data, size_t size);
};

void Runner::run(const uint8_t *data, size_t size) {
	deflate_block(data, size);
}

extern "C" int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size) {
	Runner r;
	r.run(data, size);
	zlib::inflate_stream(data, size);
	return 0;
}
`

const macroEntrySource = `#include <stdint.h>

int FUZZ_ENTRY(const uint8_t *data, size_t size) {
	consume_input(data);
	helper_noop();
	return 0;
}
`

var libraryFunctions = []string{
	"init_library",
	"parse_header",
	"process_chunk",
	"validate_magic",
	"deflate_block",
	"inflate_stream",
	"run_deflate",
	"run_inflate",
	"consume_input",
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

func newParser(t *testing.T) *harness.Parser {
	t.Helper()

	parser, err := harness.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return parser
}

func TestLibraryCalls_ClosureAcrossFiles(t *testing.T) {
	t.Parallel()

	root := writeFiles(t, map[string]string{
		"fuzz/fuzz_a.c":  fuzzASource,
		"fuzz/helpers.h": helpersHeader,
	})

	result, err := newParser(t).LibraryCalls(context.Background(), harness.Request{
		ProjectDir:       root,
		Fuzzers:          map[string][]string{"fz_a": {"fuzz/fuzz_a.c", "fuzz/helpers.h"}},
		LibraryFunctions: libraryFunctions,
		Language:         "c",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"fz_a": {"init_library", "parse_header", "process_chunk", "validate_magic"},
	}, result)
}

func TestLibraryCalls_IndependentFuzzers(t *testing.T) {
	t.Parallel()

	root := writeFiles(t, map[string]string{
		"fuzz/fuzz_a.c":  fuzzASource,
		"fuzz/helpers.h": helpersHeader,
		"fuzz/fuzz_b.c":  fuzzBSource,
	})

	result, err := newParser(t).LibraryCalls(context.Background(), harness.Request{
		ProjectDir: root,
		Fuzzers: map[string][]string{
			"fz_a": {"fuzz/fuzz_a.c", "fuzz/helpers.h"},
			"fz_b": {"fuzz/fuzz_b.c"},
		},
		LibraryFunctions: libraryFunctions,
		Language:         "c",
	})
	require.NoError(t, err)

	assert.NotContains(t, result["fz_a"], "inflate_stream")
	assert.Equal(t, []string{"inflate_stream"}, result["fz_b"])
}

func TestLibraryCalls_SharedTemplateUnion(t *testing.T) {
	t.Parallel()

	root := writeFiles(t, map[string]string{
		"fuzz/template.cc": templateSource,
	})

	result, err := newParser(t).LibraryCalls(context.Background(), harness.Request{
		ProjectDir: root,
		Fuzzers: map[string][]string{
			"fz_deflate": {"fuzz/template.cc"},
			"fz_inflate": {"fuzz/template.cc"},
		},
		LibraryFunctions: libraryFunctions,
		Language:         "c++",
	})
	require.NoError(t, err)

	want := []string{"run_deflate", "run_inflate"}
	assert.Equal(t, want, result["fz_deflate"])
	assert.Equal(t, want, result["fz_inflate"])
}

func TestLibraryCalls_QualifiedAndMemberCalls(t *testing.T) {
	t.Parallel()

	root := writeFiles(t, map[string]string{
		"fuzz/methods.cc": methodsSource,
	})

	result, err := newParser(t).LibraryCalls(context.Background(), harness.Request{
		ProjectDir:       root,
		Fuzzers:          map[string][]string{"fz_m": {"fuzz/methods.cc"}},
		LibraryFunctions: libraryFunctions,
		Language:         "c++",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"deflate_block", "inflate_stream"}, result["fz_m"])
}

func TestLibraryCalls_MacroHiddenEntryFallsBack(t *testing.T) {
	t.Parallel()

	root := writeFiles(t, map[string]string{
		"fuzz/macro.c": macroEntrySource,
	})

	result, err := newParser(t).LibraryCalls(context.Background(), harness.Request{
		ProjectDir:       root,
		Fuzzers:          map[string][]string{"fz_macro": {"fuzz/macro.c"}},
		LibraryFunctions: libraryFunctions,
		Language:         "c",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"consume_input"}, result["fz_macro"])
}

func TestLibraryCalls_MissingSource(t *testing.T) {
	t.Parallel()

	_, err := newParser(t).LibraryCalls(context.Background(), harness.Request{
		ProjectDir:       t.TempDir(),
		Fuzzers:          map[string][]string{"fz": {"fuzz/absent.c"}},
		LibraryFunctions: libraryFunctions,
		Language:         "c",
	})
	require.ErrorIs(t, err, harness.ErrMissingSource)
	assert.Contains(t, err.Error(), "fuzz/absent.c")
}
