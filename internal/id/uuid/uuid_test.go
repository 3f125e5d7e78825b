package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewRunID ensures generated ids are unique, v7, and ordered.
func TestGeneratorNewRunID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewRunID()
	require.NoError(t, err)
	id2, err := gen.NewRunID()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Equal(t, goUUID.Version(7), id1.Version())
	require.Less(t, id1.String(), id2.String())
}

func TestParseRunID(t *testing.T) {
	t.Parallel()

	id, err := ParseRunID("0190a3b2-7c4d-7e00-8000-000000000001")
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), id.Version())

	_, err = ParseRunID("nope")
	require.Error(t, err)
}
