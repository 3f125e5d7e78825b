package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mapharvest/internal/storage/local"
)

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "backups", "checkpoints")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	require.NotNil(t, store)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "writability marker is removed")
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	for name, dir := range map[string]string{
		"empty":      "  ",
		"not dir":    file,
		"under file": filepath.Join(file, "sub"),
	} {
		_, err := local.New(local.Config{BaseDir: dir})
		assert.Error(t, err, name)
	}
}

func TestPutObjectArchivesCheckpointFiles(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	csvKey := "checkpoints/run-1/0003/google_maps_results.csv"
	uri, err := store.PutObject(ctx, csvKey, "text/csv", strings.NewReader("name,address\nPanadería Sol,Calle 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(base, csvKey), uri)

	// #nosec G304 -- reads from the test's temp directory.
	got, err := os.ReadFile(filepath.Join(base, csvKey))
	require.NoError(t, err)
	assert.Equal(t, "name,address\nPanadería Sol,Calle 1\n", string(got))

	_, err = store.PutObject(ctx, csvKey, "text/csv", strings.NewReader("replaced"))
	require.NoError(t, err)
	// #nosec G304 -- reads from the test's temp directory.
	got, err = os.ReadFile(filepath.Join(base, csvKey))
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(got))
}

func TestPutObjectRejectsBadKeys(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, key := range []string{"", "   ", "../escape.csv", "run/../../escape.csv"} {
		_, err := store.PutObject(context.Background(), key, "text/csv", strings.NewReader("x"))
		assert.Error(t, err, key)
	}
}
