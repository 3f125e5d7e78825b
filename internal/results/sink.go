// Package results accumulates extracted records, merges them with earlier
// output and checkpoints the full set to mirrored CSV and XLSX files.
package results

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/dedupe"
	"github.com/JakeFAU/mapharvest/internal/fileutil"
	"github.com/JakeFAU/mapharvest/internal/record"
)

// ErrCheckpoint is wrapped by every checkpoint failure.
var ErrCheckpoint = errors.New("checkpoint failed")

// CheckpointError reports a failed checkpoint. Restored is true when the
// previous files were put back in place.
type CheckpointError struct {
	Path     string
	Restored bool
	Err      error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Path, e.Err)
}

// Unwrap exposes both ErrCheckpoint and the underlying cause.
func (e *CheckpointError) Unwrap() []error { return []error{ErrCheckpoint, e.Err} }

// WriterFunc commits content to path. The default is fileutil.WriteAtomic.
type WriterFunc func(path string, fn fileutil.WriteFunc) error

// Config controls where results are written.
type Config struct {
	Dir      string
	BaseName string
	Sheet    string
	// Writer overrides how files are committed.
	Writer WriterFunc
}

// Sink is the in-memory result set plus its durable mirrors.
type Sink struct {
	mu      sync.Mutex
	csvPath string
	xlsPath string
	csv     Codec
	xlsx    Codec
	write   WriterFunc
	logger  *zap.Logger

	records   []record.Record
	seen      *dedupe.Set
	persisted int
}

// NewSink builds a Sink. Call LoadExisting before appending.
func NewSink(cfg Config, logger *zap.Logger) *Sink {
	if cfg.BaseName == "" {
		cfg.BaseName = "google_maps_results"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	write := cfg.Writer
	if write == nil {
		write = func(path string, fn fileutil.WriteFunc) error {
			return fileutil.WriteAtomic(path, 0o644, fn)
		}
	}
	base := filepath.Join(cfg.Dir, cfg.BaseName)
	return &Sink{
		csvPath: base + ".csv",
		xlsPath: base + ".xlsx",
		csv:     CSVCodec{},
		xlsx:    XLSXCodec{Sheet: cfg.Sheet},
		write:   write,
		logger:  logger,
		seen:    dedupe.NewSet(),
	}
}

// Paths returns the CSV and XLSX paths.
func (s *Sink) Paths() (csvPath, xlsxPath string) { return s.csvPath, s.xlsPath }

// LoadExisting reads prior output into memory and seeds the identity set.
// CSV is preferred; XLSX is used when the CSV is missing or unreadable.
// Leftover backups from an interrupted checkpoint are removed first.
func (s *Sink) LoadExisting() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.csvPath, s.xlsPath} {
		if fileutil.Exists(p + fileutil.BackupSuffix) {
			s.logger.Warn("removing leftover checkpoint backup", zap.String("path", p+fileutil.BackupSuffix))
			if err := fileutil.DiscardBackup(p); err != nil {
				return 0, err
			}
		}
	}

	var (
		loaded []record.Record
		source string
		errs   []error
	)
	for _, c := range []struct {
		path  string
		codec Codec
	}{{s.csvPath, s.csv}, {s.xlsPath, s.xlsx}} {
		if !fileutil.Exists(c.path) {
			continue
		}
		recs, err := readFile(c.path, c.codec)
		if err != nil {
			s.logger.Warn("could not read previous results", zap.String("path", c.path), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		loaded, source = recs, c.path
		break
	}
	if source == "" && len(errs) > 0 {
		return 0, fmt.Errorf("load previous results: %w", errors.Join(errs...))
	}

	s.records = s.records[:0]
	s.seen = dedupe.NewSet()
	for _, r := range loaded {
		id := r.Identity()
		if id != "" && s.seen.SeenOrAdd(id) {
			continue
		}
		s.records = append(s.records, r)
	}
	s.persisted = len(s.records)
	if source != "" {
		s.logger.Info("previous results loaded",
			zap.String("path", source),
			zap.Int("rows", len(loaded)),
			zap.Int("unique", len(s.records)),
		)
	}
	return len(s.records), nil
}

func readFile(path string, codec Codec) ([]record.Record, error) {
	// #nosec G304 -- path built from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	recs, err := codec.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return recs, nil
}

// AppendIfNew appends records whose identity has not been seen and returns
// how many were appended.
func (s *Sink) AppendIfNew(recs ...record.Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	appended := 0
	for _, r := range recs {
		if s.seen.SeenOrAdd(r.Identity()) {
			continue
		}
		s.records = append(s.records, r)
		appended++
	}
	return appended
}

// Seen reports whether a record with identity id is already held.
func (s *Sink) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.Contains(id)
}

// Len returns the total number of records held.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Pending returns the number of records not yet checkpointed.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records) - s.persisted
}

// Records returns a copy of the held records.
func (s *Sink) Records() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Checkpoint writes the full result set to both mirrors. Both files are
// copied aside first; if either write fails both are restored from those
// copies, leaving the durable output exactly as it was before the call.
// A checkpoint with nothing pending and both files present is a no-op.
func (s *Sink) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persisted == len(s.records) && fileutil.Exists(s.csvPath) && fileutil.Exists(s.xlsPath) {
		return nil
	}
	snapshot := s.records

	paths := []string{s.xlsPath, s.csvPath}
	backedUp := make(map[string]bool, len(paths))
	for _, p := range paths {
		ok, err := fileutil.Backup(p)
		if err != nil {
			s.discardBackups(backedUp)
			return &CheckpointError{Path: p, Restored: true, Err: err}
		}
		backedUp[p] = ok
	}

	for _, step := range []struct {
		path  string
		codec Codec
	}{{s.xlsPath, s.xlsx}, {s.csvPath, s.csv}} {
		codec := step.codec
		err := s.write(step.path, func(w io.Writer) error {
			return codec.Encode(w, snapshot)
		})
		if err != nil {
			restored := s.restore(backedUp)
			s.logger.Error("checkpoint failed",
				zap.String("path", step.path),
				zap.Bool("restored", restored),
				zap.Error(err),
			)
			return &CheckpointError{Path: step.path, Restored: restored, Err: err}
		}
	}

	s.discardBackups(backedUp)
	s.persisted = len(snapshot)
	s.logger.Info("checkpoint written",
		zap.Int("records", len(snapshot)),
		zap.String("csv", s.csvPath),
		zap.String("xlsx", s.xlsPath),
	)
	return nil
}

func (s *Sink) restore(backedUp map[string]bool) bool {
	ok := true
	for p, had := range backedUp {
		if had {
			if err := fileutil.Restore(p); err != nil {
				s.logger.Error("restore from backup failed", zap.String("path", p), zap.Error(err))
				ok = false
			}
			continue
		}
		// The file did not exist before this attempt.
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("remove partial output failed", zap.String("path", p), zap.Error(err))
			ok = false
		}
	}
	return ok
}

func (s *Sink) discardBackups(backedUp map[string]bool) {
	for p, had := range backedUp {
		if !had {
			continue
		}
		if err := fileutil.DiscardBackup(p); err != nil {
			s.logger.Warn("discard backup failed", zap.String("path", p), zap.Error(err))
		}
	}
}
