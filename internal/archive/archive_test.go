package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mapharvest/internal/storage/memory"
)

func TestArchiveUploadsUnderRunAndSequence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "results.csv")
	xlsxPath := filepath.Join(dir, "results.xlsx")
	require.NoError(t, os.WriteFile(csvPath, []byte("name\nA\n"), 0o600))
	require.NoError(t, os.WriteFile(xlsxPath, []byte("PK"), 0o600))

	blobs := memory.NewBlobStore()
	a, err := New(blobs, "/harvest/", nil)
	require.NoError(t, err)

	require.NoError(t, a.Archive(context.Background(), "run-1", 3, csvPath, xlsxPath))
	require.Equal(t, []string{
		"harvest/run-1/0003/results.csv",
		"harvest/run-1/0003/results.xlsx",
	}, blobs.Keys())

	obj, ok := blobs.Get("harvest/run-1/0003/results.csv")
	require.True(t, ok)
	require.Equal(t, "name\nA\n", string(obj.Data))
	require.Equal(t, contentTypeCSV, obj.ContentType)
}

func TestArchiveSkipsMissingFiles(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a, err := New(blobs, "", nil)
	require.NoError(t, err)

	require.NoError(t, a.Archive(context.Background(), "run-1", 1, filepath.Join(t.TempDir(), "nope.xlsx"), ""))
	require.Empty(t, blobs.Keys())
}

func TestArchiveJoinsUploadErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "a.csv")
	second := filepath.Join(dir, "b.csv")
	require.NoError(t, os.WriteFile(first, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(second, []byte("y"), 0o600))

	store := &failingStore{}
	a, err := New(store, "p", nil)
	require.NoError(t, err)

	err = a.Archive(context.Background(), "r", 1, first, second)
	require.Error(t, err)
	require.ErrorIs(t, err, errUpload)
	require.Equal(t, 2, store.calls)
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "", nil)
	require.Error(t, err)
}

var errUpload = errors.New("upload refused")

type failingStore struct {
	calls int
}

func (f *failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	f.calls++
	return "", errUpload
}
