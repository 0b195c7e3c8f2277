package bitcode

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	blobDirName  = "bc"
	archiveExt   = ".a"
	tuBlobSuffix = ".o.bc"
)

// sourceExts are the extensions stripped when matching a harness source
// file against a captured translation-unit blob.
var sourceExts = []string{
	".c", ".cc", ".cpp", ".cxx", ".c++",
	".h", ".hh", ".hpp", ".hxx", ".h++",
}

// collect gathers the bitcode blobs produced by the build. Static archives
// are authoritative: when at least one archive yields bitcode, only the
// per-archive blobs are linked, since the project's own archiving step
// already separates library code from harness objects. Without archives
// the per-TU blobs captured by the wrapper are used instead, minus the
// declared harness translation units. Blobs are deduplicated by content
// hash so the same TU reached through both the build tree and an install
// tree is linked once.
func (b *Builder) collect(ctx context.Context, req Request) ([]string, []string, error) {
	archives, err := findArchives(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: scan archives: %v", ErrBuildFailed, err)
	}

	blobs, err := b.extractArchives(ctx, req, archives)
	if err != nil {
		return nil, nil, err
	}

	if len(blobs) > 0 {
		return dedupBlobs(blobs), nil, nil
	}

	tuBlobs, err := findTUBlobs(req.ProjectDir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: scan translation units: %v", ErrBuildFailed, err)
	}

	retained, excluded := excludeHarnessBlobs(tuBlobs, req.FuzzerSources)

	return dedupBlobs(retained), excluded, nil
}

// findArchives enumerates static archives in the project tree and any
// install prefixes.
func findArchives(req Request) ([]string, error) {
	roots := append([]string{req.ProjectDir}, req.InstallDirs...)

	var archives []string

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}

				return nil
			}

			if entry.IsDir() {
				if entry.Name() == ".git" {
					return filepath.SkipDir
				}

				return nil
			}

			if strings.HasSuffix(entry.Name(), archiveExt) {
				archives = append(archives, path)
			}

			return nil
		})
		if err != nil {
			if os.IsNotExist(err) && root != req.ProjectDir {
				continue
			}

			return nil, err
		}
	}

	return archives, nil
}

// extractArchives pulls the constituent bitcode out of each archive into
// the blob directory. Archives without embedded bitcode, such as prebuilt
// vendor libraries, are skipped rather than failing the build.
func (b *Builder) extractArchives(ctx context.Context, req Request, archives []string) ([]string, error) {
	if len(archives) == 0 {
		return nil, nil
	}

	blobDir := filepath.Join(req.WorkDir, blobDirName)
	if err := os.MkdirAll(blobDir, wrapperPerm); err != nil {
		return nil, fmt.Errorf("%w: create blob dir: %v", ErrBuildFailed, err)
	}

	var blobs []string

	for i, archive := range archives {
		out := filepath.Join(blobDir, fmt.Sprintf("%03d-%s.bc", i, filepath.Base(archive)))

		if err := b.runTool(ctx, req, b.cfg.ExtractTool, "-o", out, archive); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}

			b.log.WarnContext(ctx, "archive without bitcode skipped",
				slog.String("archive", archive))

			continue
		}

		if _, err := os.Stat(out); err != nil {
			continue
		}

		blobs = append(blobs, out)
	}

	return blobs, nil
}

// findTUBlobs enumerates the hidden per-TU bitcode files the wrapper
// toolchain leaves next to each object file.
func findTUBlobs(root string) ([]string, error) {
	var blobs []string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			return nil
		}

		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}

			return nil
		}

		name := entry.Name()
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, tuBlobSuffix) {
			blobs = append(blobs, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return blobs, nil
}

// excludeHarnessBlobs drops blobs whose stem matches a declared fuzzer
// source. Matching is by basename with the source extension and the blob
// object suffixes stripped.
func excludeHarnessBlobs(blobs, fuzzerSources []string) (retained, excluded []string) {
	harnessStems := make(map[string]struct{}, len(fuzzerSources))
	for _, src := range fuzzerSources {
		harnessStems[sourceStem(src)] = struct{}{}
	}

	for _, blob := range blobs {
		if _, ok := harnessStems[tuStem(filepath.Base(blob))]; ok {
			excluded = append(excluded, filepath.Base(blob))

			continue
		}

		retained = append(retained, blob)
	}

	slices.Sort(excluded)

	return retained, excluded
}

// sourceStem reduces a source path to its comparison stem.
func sourceStem(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); slices.Contains(sourceExts, strings.ToLower(ext)) {
		base = strings.TrimSuffix(base, ext)
	}

	return base
}

// tuStem reduces a captured blob basename to its comparison stem.
func tuStem(name string) string {
	name = strings.TrimPrefix(name, ".")
	name = strings.TrimSuffix(name, ".bc")
	name = strings.TrimSuffix(name, ".o")

	if ext := filepath.Ext(name); slices.Contains(sourceExts, strings.ToLower(ext)) {
		name = strings.TrimSuffix(name, ext)
	}

	return name
}

// dedupBlobs removes blobs with identical content, keeping first
// occurrences in order. Unreadable blobs are kept so the linker reports
// them.
func dedupBlobs(blobs []string) []string {
	seen := make(map[uint64]struct{}, len(blobs))
	unique := blobs[:0]

	for _, blob := range blobs {
		content, err := os.ReadFile(blob)
		if err != nil {
			unique = append(unique, blob)

			continue
		}

		sum := xxhash.Sum64(content)
		if _, ok := seen[sum]; ok {
			continue
		}

		seen[sum] = struct{}{}
		unique = append(unique, blob)
	}

	return unique
}
