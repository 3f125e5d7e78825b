package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		biz     string
		address string
		want    string
	}{
		{
			name: "feature id",
			url:  "https://www.google.com/maps/place/Cafe/data=!4m7!3m6!1s0x94329851d7e1f5a7:0x3e4f1b2c5d6a7b8c!8m2!3d-31.4!4d-64.2",
			biz:  "Cafe",
			want: "gmaps_0x94329851d7e1f5a7:0x3e4f1b2c5d6a7b8c",
		},
		{
			name: "place id",
			url:  "https://maps.google.com/?place_id=ChIJ_abc-123",
			want: "place_ChIJ_abc-123",
		},
		{
			name:    "composite fallback",
			url:     "https://www.google.com/maps/place/Cafe",
			biz:     "  Café   Central ",
			address: "Av. Colón\t1234",
			want:    "legacy_café central|av. colón 1234",
		},
		{
			name: "nothing to go on",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IdentityOf(tc.url, tc.biz, tc.address))
		})
	}
}

func TestIdentityIgnoresFormattingDifferences(t *testing.T) {
	t.Parallel()

	a := IdentityOf("", "Panadería  LA ESPIGA", "San Martín 100")
	b := IdentityOf("", "panadería la espiga", "san martín   100")
	assert.Equal(t, a, b)

	url := "https://www.google.com/maps/place/X/data=!1s0xabc:0xdef"
	assert.Equal(t, IdentityOf(url, "X", "one"), IdentityOf(url, "X S.A.", "two"))
}

func TestSet(t *testing.T) {
	t.Parallel()

	s := NewSet()
	s.Seed("a", "", "b")
	require.Equal(t, 2, s.Len())

	assert.True(t, s.SeenOrAdd("a"))
	assert.False(t, s.SeenOrAdd("c"))
	assert.True(t, s.SeenOrAdd("c"))
	assert.False(t, s.SeenOrAdd(""))
	assert.False(t, s.SeenOrAdd(""))
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Contains("z"))
	assert.Equal(t, 3, s.Len())
}
