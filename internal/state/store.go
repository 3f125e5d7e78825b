package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/fileutil"
)

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Store loads and saves ExecutionState as JSON at a fixed path.
type Store struct {
	path   string
	clock  Clock
	logger *zap.Logger
}

// NewStore builds a Store for path.
func NewStore(path string, clk Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, clock: clk, logger: logger}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load reads the state file. A missing file yields a fresh state. A file
// that cannot be decoded is renamed aside with a ".corrupt-<ts>" suffix and
// a fresh state is returned; only I/O failures are reported as errors.
func (s *Store) Load() (*ExecutionState, error) {
	now := s.clock.Now()
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no previous state, starting fresh", zap.String("path", s.path))
		return New(now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}

	st, err := decode(raw, now)
	if err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%s", s.path, now.UTC().Format("20060102T150405Z"))
		if rerr := os.Rename(s.path, quarantine); rerr != nil {
			s.logger.Warn("could not move corrupt state aside", zap.String("path", s.path), zap.Error(rerr))
		}
		s.logger.Warn("state file unreadable, starting fresh",
			zap.String("path", s.path),
			zap.String("quarantined_to", quarantine),
			zap.Error(err),
		)
		return New(now), nil
	}
	s.logger.Info("state loaded",
		zap.String("path", s.path),
		zap.Int("locations", len(st.Locations)),
		zap.Int("records_extracted", st.RecordsExtracted),
	)
	return st, nil
}

// Peek reads the state file without side effects, for observers that run
// alongside a crawl. Unlike Load, an undecodable file is an error and is
// left in place.
func (s *Store) Peek() (*ExecutionState, error) {
	now := s.clock.Now()
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}
	st, err := decode(raw, now)
	if err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	return st, nil
}

// Save writes st atomically: a crash leaves either the previous or the new
// file, never a partial one.
func (s *Store) Save(st *ExecutionState) error {
	if st == nil {
		return errors.New("save state: nil state")
	}
	st.Version = SchemaVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", s.path, err)
	}
	return nil
}

type versionHeader struct {
	Version int `json:"version"`
}

func decode(raw []byte, now time.Time) (*ExecutionState, error) {
	var p versionHeader
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if p.Version == 0 {
		return decodeLegacy(raw, now)
	}
	if p.Version > SchemaVersion {
		return nil, fmt.Errorf("decode state: unsupported version %d", p.Version)
	}
	var st ExecutionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	normalize(&st, now)
	return &st, nil
}

// legacyState is the unversioned layout written by earlier tooling.
type legacyState struct {
	Locations map[string]struct {
		Name        string   `json:"nombre"`
		Completed   []string `json:"rubros_completados"`
		LastUpdated string   `json:"ultima_actualizacion"`
		Complete    bool     `json:"completado"`
	} `json:"ubicaciones_completadas"`
	RecordsExtracted int    `json:"empresas_extraidas"`
	StartedAt        string `json:"fecha_inicio"`
	LastCheckpoint   string `json:"ultimo_checkpoint"`
}

var legacyTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"}

func parseLegacyTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func decodeLegacy(raw []byte, now time.Time) (*ExecutionState, error) {
	var modern ExecutionState
	if err := json.Unmarshal(raw, &modern); err == nil && modern.Locations != nil {
		normalize(&modern, now)
		return &modern, nil
	}
	var legacy legacyState
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("decode legacy state: %w", err)
	}
	st := New(now)
	st.RecordsExtracted = legacy.RecordsExtracted
	if t, ok := parseLegacyTime(legacy.StartedAt); ok {
		st.StartedAt = t
	}
	if t, ok := parseLegacyTime(legacy.LastCheckpoint); ok {
		st.LastCheckpoint = &t
	}
	for key, loc := range legacy.Locations {
		ls := &LocationState{
			Name:                loc.Name,
			CompletedCategories: loc.Completed,
			Complete:            loc.Complete,
		}
		if t, ok := parseLegacyTime(loc.LastUpdated); ok {
			ls.LastUpdated = t
		}
		st.Locations[key] = ls
	}
	normalize(st, now)
	return st, nil
}

func normalize(st *ExecutionState, now time.Time) {
	st.Version = SchemaVersion
	if st.StartedAt.IsZero() {
		st.StartedAt = now
	}
	if st.Locations == nil {
		st.Locations = make(map[string]*LocationState)
	}
	for key, loc := range st.Locations {
		if loc == nil {
			delete(st.Locations, key)
			continue
		}
		if loc.CompletedCategories == nil {
			loc.CompletedCategories = []string{}
		}
	}
}
