package fileutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicReplacesContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "out.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	assertNoTempFiles(t, filepath.Dir(path))
}

func TestWriteAtomicFailureKeepsPreviousFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("original"), 0o600))

	boom := errors.New("boom")
	err := WriteAtomic(path, 0o600, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
	assertNoTempFiles(t, filepath.Dir(path))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.csv")

	ok, err := Backup(path)
	require.NoError(t, err)
	assert.False(t, ok, "missing file has nothing to back up")

	require.NoError(t, WriteFileAtomic(path, []byte("v1"), 0o600))
	ok, err = Backup(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, Exists(path+BackupSuffix))

	require.NoError(t, WriteFileAtomic(path, []byte("v2"), 0o600))
	require.NoError(t, Restore(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	assert.False(t, Exists(path+BackupSuffix))
}

func TestDiscardBackupIgnoresMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, DiscardBackup(path))
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
