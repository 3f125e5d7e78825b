package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawStaysInRange(t *testing.T) {
	t.Parallel()

	s, err := New(map[Class]Range{
		BetweenSegments: {Min: 8 * time.Second, Max: 15 * time.Second},
		AfterScroll:     {Min: 3 * time.Second, Max: 3 * time.Second},
	}, WithSeed(7))
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		d := s.Draw(BetweenSegments)
		require.GreaterOrEqual(t, d, 8*time.Second)
		require.LessOrEqual(t, d, 15*time.Second)
	}
	assert.Equal(t, 3*time.Second, s.Draw(AfterScroll))
	assert.Zero(t, s.Draw(BetweenLocations), "unconfigured class")
}

func TestSeedIsReproducible(t *testing.T) {
	t.Parallel()

	ranges := map[Class]Range{InitialLoad: {Min: time.Second, Max: time.Minute}}
	a, err := New(ranges, WithSeed(42))
	require.NoError(t, err)
	b, err := New(ranges, WithSeed(42))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Draw(InitialLoad), b.Draw(InitialLoad))
	}
}

func TestNewRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	_, err := New(map[Class]Range{BetweenCategories: {Min: 5 * time.Second, Max: time.Second}})
	require.Error(t, err)
	_, err = New(map[Class]Range{BetweenCategories: {Min: -time.Second, Max: time.Second}})
	require.Error(t, err)
}

func TestDelayUsesSleeper(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	s, err := New(map[Class]Range{BetweenCategories: {Min: 4 * time.Second, Max: 4 * time.Second}},
		WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))
	require.NoError(t, err)

	d, err := s.Delay(context.Background(), BetweenCategories)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, d)
	assert.Equal(t, []time.Duration{4 * time.Second}, slept)
}

func TestSleepHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
