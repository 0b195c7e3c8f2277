package bitcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sumatoshi-tech/callfang/internal/config"
)

const (
	wrapperDirName = "wrappers"
	wrapperPerm    = 0o755
)

// cWrapperNames and cxxWrapperNames are the compiler spellings shadowed on
// PATH so builds that hardcode a compiler still go through the wrapper.
var (
	cWrapperNames   = []string{"cc", "gcc", "clang"}
	cxxWrapperNames = []string{"c++", "g++", "clang++"}
)

// installWrappers writes the compiler wrapper scripts under workDir and
// returns the process environment that redirects the build through them.
// Each wrapper forwards every argument to the real driver with the
// debug-info flag prepended; the driver tolerates the flag twice.
func installWrappers(workDir string, cfg config.BuildConfig) ([]string, error) {
	dir := filepath.Join(workDir, wrapperDirName)
	if err := os.MkdirAll(dir, wrapperPerm); err != nil {
		return nil, err
	}

	for _, name := range cWrapperNames {
		if err := writeWrapper(filepath.Join(dir, name), cfg.CompilerDriver); err != nil {
			return nil, err
		}
	}

	for _, name := range cxxWrapperNames {
		if err := writeWrapper(filepath.Join(dir, name), cfg.CompilerDriverCXX); err != nil {
			return nil, err
		}
	}

	return wrapperEnv(dir), nil
}

// writeWrapper emits one wrapper script.
func writeWrapper(path, driver string) error {
	script := fmt.Sprintf("#!/bin/sh\nexec %q -g \"$@\"\n", driver)

	return os.WriteFile(path, []byte(script), wrapperPerm)
}

// wrapperEnv builds the redirected environment: the wrapper dir shadows
// PATH, and CC/CXX point at the wrappers for build systems that honor
// them directly.
func wrapperEnv(dir string) []string {
	env := make([]string, 0, len(os.Environ())+3)

	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PATH=") || strings.HasPrefix(kv, "CC=") || strings.HasPrefix(kv, "CXX=") {
			continue
		}

		env = append(env, kv)
	}

	env = append(env,
		"PATH="+dir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"CC="+filepath.Join(dir, "cc"),
		"CXX="+filepath.Join(dir, "c++"),
	)

	return env
}
