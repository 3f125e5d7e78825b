package crawl

import "errors"

// Error taxonomy. Components wrap their failures so the orchestrator can
// classify them with errors.Is.
var (
	// ErrResolution marks a location that could not be geolocated or
	// partitioned. The location is skipped.
	ErrResolution = errors.New("resolution error")
	// ErrExtraction marks a failed (segment, category) extraction. The search
	// task stays pending.
	ErrExtraction = errors.New("extraction error")
	// ErrPersistence marks a failed state save or result checkpoint.
	ErrPersistence = errors.New("persistence error")
	// ErrPortUnavailable is fatal: the extraction port cannot operate at all.
	ErrPortUnavailable = errors.New("extraction port unavailable")
	// ErrGridSizeChanged marks a partially complete location whose recorded
	// grid size differs from the configured one.
	ErrGridSizeChanged = errors.New("grid size changed for partially complete location")
)
