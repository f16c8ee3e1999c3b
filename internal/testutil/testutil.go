// Package testutil holds test helpers: prerequisite checks that skip
// integration tests, and FakeGraph, a scripted in-memory graph.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// ORTLibraryEnv lists the environment variables consulted for the ONNX
// Runtime shared library, in order.
var ORTLibraryEnv = []string{"OPDIAG_ORT_LIB", "ORT_LIBRARY_PATH"}

var ortGlobs = []string{
	"/usr/local/lib/libonnxruntime.so*",
	"/usr/lib/libonnxruntime.so*",
	"/usr/lib/*-linux-gnu/libonnxruntime.so*",
	"/opt/homebrew/lib/libonnxruntime*.dylib",
}

// RequireONNXRuntime returns the ONNX Runtime library path or skips tb.
// A variable from ORTLibraryEnv that names a missing file skips without
// falling back to the system search.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range ORTLibraryEnv {
		p := os.Getenv(env)
		if p == "" {
			continue
		}

		if !exists(p) {
			tb.Skipf("%s=%q does not exist", env, p)
			return ""
		}

		return p
	}

	for _, pattern := range ortGlobs {
		if matches, _ := filepath.Glob(pattern); len(matches) > 0 {
			return matches[0]
		}
	}

	tb.Skip("no ONNX Runtime library; set OPDIAG_ORT_LIB")

	return ""
}

// RequireEnv returns the value of name or skips tb when it is empty.
func RequireEnv(tb testing.TB, name string) string {
	tb.Helper()

	v := os.Getenv(name)
	if v == "" {
		tb.Skipf("%s not set", name)
	}

	return v
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
