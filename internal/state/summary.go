package state

import (
	"slices"
	"time"
)

// Target identifies a configured location.
type Target struct {
	Key  string
	Name string
}

// LocationSummary is the progress of one location against the configured
// categories.
type LocationSummary struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Completed   []string  `json:"completed"`
	Pending     []string  `json:"pending"`
	// Stale lists persisted completions for categories no longer configured.
	Stale       []string  `json:"stale,omitempty"`
	GridSize    int       `json:"gridSize,omitempty"`
	Complete    bool      `json:"complete"`
	Configured  bool      `json:"configured"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
}

// Summary is a read-only view of an ExecutionState.
type Summary struct {
	StartedAt         time.Time         `json:"startedAt"`
	LastCheckpoint    *time.Time        `json:"lastCheckpoint,omitempty"`
	RecordsExtracted  int               `json:"recordsExtracted"`
	LocationsComplete int               `json:"locationsComplete"`
	Locations         []LocationSummary `json:"locations"`
}

// Summarize reports progress for every configured target, in order,
// followed by locations present in st but no longer configured, sorted by
// key. Completed follows the configured order and excludes categories that
// are no longer configured; those are reported as Stale. With no configured
// categories, Completed is the persisted list, Pending is empty and Complete
// falls back to the persisted flag.
func Summarize(st *ExecutionState, targets []Target, categories []string) Summary {
	if st == nil {
		st = New(time.Time{})
	}
	sum := Summary{
		StartedAt:        st.StartedAt,
		LastCheckpoint:   st.LastCheckpoint,
		RecordsExtracted: st.RecordsExtracted,
		Locations:        make([]LocationSummary, 0, len(targets)+len(st.Locations)),
	}
	seen := make(map[string]bool, len(targets))
	add := func(key, name string, configured bool) {
		ls := LocationSummary{
			Key:        key,
			Name:       name,
			Completed:  st.Completed(key),
			Pending:    []string{},
			Configured: configured,
		}
		if ls.Completed == nil {
			ls.Completed = []string{}
		}
		if loc := st.Location(key); loc != nil {
			if loc.Name != "" {
				ls.Name = loc.Name
			}
			ls.GridSize = loc.GridSize
			ls.LastUpdated = loc.LastUpdated
			ls.Complete = loc.Complete
		}
		if len(categories) > 0 {
			done := ls.Completed
			ls.Completed = make([]string, 0, len(done))
			for _, c := range categories {
				if slices.Contains(done, c) {
					ls.Completed = append(ls.Completed, c)
				}
			}
			for _, c := range done {
				if !slices.Contains(categories, c) {
					ls.Stale = append(ls.Stale, c)
				}
			}
			ls.Pending = st.PendingCategories(key, categories)
			ls.Complete = st.IsLocationComplete(key, categories)
		}
		if ls.Complete {
			sum.LocationsComplete++
		}
		sum.Locations = append(sum.Locations, ls)
	}
	for _, t := range targets {
		if seen[t.Key] {
			continue
		}
		seen[t.Key] = true
		add(t.Key, t.Name, true)
	}
	extra := make([]string, 0, len(st.Locations))
	for key := range st.Locations {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	slices.Sort(extra)
	for _, key := range extra {
		add(key, "", false)
	}
	return sum
}
