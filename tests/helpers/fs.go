package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteFile creates a file with the given contents inside dir, creating any
// missing parent directories, and returns the full path of the file.
func WriteFile(t *testing.T, dir string, name string, contents []byte) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755), "failed to create parent directories")
	require.NoError(t, os.WriteFile(path, contents, 0o644), "failed to write test file")

	return path
}
