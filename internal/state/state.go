// Package state persists which (location, category) search tasks have
// completed. It is the single source of truth for resuming a crawl.
package state

import (
	"slices"
	"time"
)

// SchemaVersion is the current on-disk schema version.
const SchemaVersion = 1

// LocationState tracks progress for one location.
type LocationState struct {
	Name                string    `json:"name"`
	CompletedCategories []string  `json:"completedCategories"`
	GridSize            int       `json:"gridSize,omitempty"`
	LastUpdated         time.Time `json:"lastUpdated"`
	// Complete mirrors IsLocationComplete at the last update. Informative only.
	Complete bool `json:"complete"`
}

// ExecutionState is the persisted resumption record.
type ExecutionState struct {
	Version          int                       `json:"version"`
	StartedAt        time.Time                 `json:"startedAt"`
	LastCheckpoint   *time.Time                `json:"lastCheckpoint,omitempty"`
	RecordsExtracted int                       `json:"recordsExtracted"`
	Locations        map[string]*LocationState `json:"locations"`
}

// New returns an empty state stamped with now.
func New(now time.Time) *ExecutionState {
	return &ExecutionState{
		Version:   SchemaVersion,
		StartedAt: now,
		Locations: make(map[string]*LocationState),
	}
}

// Location returns the entry for key, or nil.
func (s *ExecutionState) Location(key string) *LocationState {
	if s == nil || s.Locations == nil {
		return nil
	}
	return s.Locations[key]
}

// Completed returns the persisted completed categories for key, including
// stale entries no longer configured.
func (s *ExecutionState) Completed(key string) []string {
	loc := s.Location(key)
	if loc == nil {
		return nil
	}
	return slices.Clone(loc.CompletedCategories)
}

// IsCategoryComplete reports whether category was completed for key.
func (s *ExecutionState) IsCategoryComplete(key, category string) bool {
	loc := s.Location(key)
	return loc != nil && slices.Contains(loc.CompletedCategories, category)
}

// PendingCategories returns the configured categories not yet completed for
// key, preserving configured order. Stale completed entries are ignored.
func (s *ExecutionState) PendingCategories(key string, configured []string) []string {
	pending := make([]string, 0, len(configured))
	for _, c := range configured {
		if !s.IsCategoryComplete(key, c) {
			pending = append(pending, c)
		}
	}
	return pending
}

// IsLocationComplete reports whether every configured category is complete
// for key. An empty configuration is never complete.
func (s *ExecutionState) IsLocationComplete(key string, configured []string) bool {
	if len(configured) == 0 || s.Location(key) == nil {
		return false
	}
	return len(s.PendingCategories(key, configured)) == 0
}

// GridSize returns the grid size recorded for key, or 0 when none was.
func (s *ExecutionState) GridSize(key string) int {
	if loc := s.Location(key); loc != nil {
		return loc.GridSize
	}
	return 0
}

// MarkCategoryComplete records category as done for key. The grid size is
// recorded on the first completion. Returns false if it was already marked.
func (s *ExecutionState) MarkCategoryComplete(key, name, category string, gridSize int, now time.Time) bool {
	if s.Locations == nil {
		s.Locations = make(map[string]*LocationState)
	}
	loc := s.Locations[key]
	if loc == nil {
		loc = &LocationState{Name: name}
		s.Locations[key] = loc
	}
	if loc.Name == "" {
		loc.Name = name
	}
	if slices.Contains(loc.CompletedCategories, category) {
		return false
	}
	if len(loc.CompletedCategories) == 0 || loc.GridSize == 0 {
		loc.GridSize = gridSize
	}
	loc.CompletedCategories = append(loc.CompletedCategories, category)
	loc.LastUpdated = now
	return true
}

// RefreshComplete recomputes the informative Complete flag for key.
func (s *ExecutionState) RefreshComplete(key string, configured []string) {
	if loc := s.Location(key); loc != nil {
		loc.Complete = s.IsLocationComplete(key, configured)
	}
}

// Clone returns a deep copy.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastCheckpoint != nil {
		t := *s.LastCheckpoint
		out.LastCheckpoint = &t
	}
	out.Locations = make(map[string]*LocationState, len(s.Locations))
	for k, v := range s.Locations {
		cp := *v
		cp.CompletedCategories = slices.Clone(v.CompletedCategories)
		out.Locations[k] = &cp
	}
	return &out
}
