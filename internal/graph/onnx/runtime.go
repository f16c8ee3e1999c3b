package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/example/go-opdiag/internal/config"
)

// RuntimeInfo names the ONNX Runtime library a graph will load and where the
// path came from.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
	Source      string
}

const unknownVersion = "unknown"

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

var (
	searchDirs = []string{
		"/usr/local/lib",
		"/usr/lib",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib/aarch64-linux-gnu",
		"/opt/homebrew/lib",
	}
	libraryGlobs = []string{"libonnxruntime.so*", "libonnxruntime*.dylib"}
)

type librarySource struct {
	name   string
	lookup func(cfg config.RuntimeConfig) string
}

func envSource(name string) librarySource {
	return librarySource{name: name, lookup: func(config.RuntimeConfig) string { return os.Getenv(name) }}
}

// librarySources are consulted in order; the first non-empty path wins even
// when it does not exist.
var librarySources = []librarySource{
	{name: "config", lookup: func(cfg config.RuntimeConfig) string { return cfg.ORTLibraryPath }},
	envSource("OPDIAG_ORT_LIB"),
	envSource("ORT_LIBRARY_PATH"),
	{name: "search", lookup: func(config.RuntimeConfig) string { return searchLibrary(searchDirs) }},
}

// DetectRuntime locates the ONNX Runtime shared library and its version.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	info := RuntimeInfo{Version: unknownVersion}

	for _, src := range librarySources {
		if p := src.lookup(cfg); p != "" {
			info.LibraryPath, info.Source = p, src.name
			break
		}
	}

	if info.LibraryPath == "" {
		info.LibraryPath = "not found"
		return info, errors.New("onnx runtime library not found (set --ort-lib, OPDIAG_ORT_LIB or ORT_LIBRARY_PATH)")
	}

	if _, err := os.Stat(info.LibraryPath); err != nil {
		return info, fmt.Errorf("onnx runtime library from %s: %w", info.Source, err)
	}

	for _, v := range []string{cfg.ORTVersion, os.Getenv("ORT_VERSION"), inferVersionFromPath(info.LibraryPath)} {
		if v != "" {
			info.Version = v
			break
		}
	}

	return info, nil
}

// searchLibrary returns the first library matching libraryGlobs. Within a
// directory the unversioned name sorts first.
func searchLibrary(dirs []string) string {
	for _, dir := range dirs {
		for _, pattern := range libraryGlobs {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			if len(matches) == 0 {
				continue
			}

			sort.Strings(matches)

			return matches[0]
		}
	}

	return ""
}

func inferVersionFromPath(path string) string {
	if m := versionPattern.FindStringSubmatch(filepath.Base(path)); len(m) == 2 {
		return m[1]
	}

	return ""
}
