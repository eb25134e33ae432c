// Package testutil provides shared helpers for drive tests.
package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Payload returns n deterministic pseudo-random bytes for seed.
func Payload(n int, seed int64) []byte {
	b := make([]byte, n)
	_, _ = rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// FastStore disables fsync in the on-disk stores for the rest of the test.
func FastStore(t *testing.T) {
	t.Helper()
	t.Setenv("DRIVE_TEST", "1")
}
