package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplaces(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "truecar.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cursor":1}`), 0o600))

	require.NoError(t, WriteFileAtomic(path, strings.NewReader(`{"cursor":2}`), 0o600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"cursor":2}`, string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWriteFileAtomicKeepsOldFileOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "edmunds.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	err := WriteFileAtomic(path, brokenReader{}, 0o600)
	require.ErrorContains(t, err, "connection reset")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed after failure")
}

func TestWriteFileAtomicMissingDirectory(t *testing.T) {
	t.Parallel()

	err := WriteFileAtomic(filepath.Join(t.TempDir(), "absent", "x.json"), strings.NewReader("{}"), 0o600)
	require.Error(t, err)
}
