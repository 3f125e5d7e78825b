// Package schedule draws randomized pauses between crawl operations.
package schedule

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Class names an operation whose pacing is configured separately.
type Class string

// Operation classes.
const (
	BetweenSegments   Class = "between_segments"
	BetweenCategories Class = "between_categories"
	AfterScroll       Class = "after_scroll"
	InitialLoad       Class = "initial_load"
	BetweenLocations  Class = "between_locations"
)

// Range is an inclusive [Min, Max] delay.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Validate checks 0 <= Min <= Max.
func (r Range) Validate() error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("invalid delay range [%s, %s]", r.Min, r.Max)
	}
	return nil
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Scheduler is a policy table of delay ranges.
type Scheduler struct {
	ranges map[Class]Range
	sleep  Sleeper

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSleeper replaces the real sleep, typically in tests.
func WithSleeper(s Sleeper) Option {
	return func(sc *Scheduler) { sc.sleep = s }
}

// WithSeed makes draws reproducible.
func WithSeed(seed uint64) Option {
	return func(sc *Scheduler) { sc.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// New validates ranges and builds a Scheduler. Classes without a range do
// not delay.
func New(ranges map[Class]Range, opts ...Option) (*Scheduler, error) {
	cp := make(map[Class]Range, len(ranges))
	for c, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("delay %s: %w", c, err)
		}
		cp[c] = r
	}
	s := &Scheduler{
		ranges: cp,
		sleep:  Sleep,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Draw picks a delay for class without sleeping.
func (s *Scheduler) Draw(class Class) time.Duration {
	r, ok := s.ranges[class]
	if !ok || r.Max == 0 {
		return 0
	}
	span := r.Max - r.Min
	if span == 0 {
		return r.Min
	}
	s.mu.Lock()
	n := s.rng.Int64N(int64(span) + 1)
	s.mu.Unlock()
	return r.Min + time.Duration(n)
}

// Delay sleeps for a drawn duration and returns it. It returns early with
// ctx.Err() when ctx is cancelled.
func (s *Scheduler) Delay(ctx context.Context, class Class) (time.Duration, error) {
	d := s.Draw(class)
	if err := s.sleep(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// Range returns the configured range for class.
func (s *Scheduler) Range(class Class) (Range, bool) {
	r, ok := s.ranges[class]
	return r, ok
}
