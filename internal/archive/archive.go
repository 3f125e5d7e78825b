// Package archive copies checkpointed result files into a blob store so each
// checkpoint survives loss of the local working directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BlobStore persists a single object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

const (
	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeJSON = "application/json"
)

// Archiver uploads checkpoint files under <prefix>/<runID>/<seq>/<basename>.
type Archiver struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
}

// New builds an Archiver.
func New(store BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// Key returns the object key for file under runID and seq.
func (a *Archiver) Key(runID string, seq int, file string) string {
	return path.Join(a.prefix, runID, fmt.Sprintf("%04d", seq), filepath.Base(file))
}

// Archive uploads every existing file in paths. Missing files are skipped;
// upload failures are joined and returned after all files were attempted.
func (a *Archiver) Archive(ctx context.Context, runID string, seq int, paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		uri, err := a.upload(ctx, a.Key(runID, seq, p), p)
		if errors.Is(err, os.ErrNotExist) {
			a.logger.Debug("archive source missing", zap.String("path", p))
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.logger.Debug("checkpoint archived", zap.String("path", p), zap.String("uri", uri))
	}
	return errors.Join(errs...)
}

func (a *Archiver) upload(ctx context.Context, key, src string) (string, error) {
	// #nosec G304 -- src is a result file path chosen by the operator.
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()
	uri, err := a.store.PutObject(ctx, key, contentType(src), f)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", src, err)
	}
	return uri, nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return contentTypeCSV
	case ".xlsx":
		return contentTypeXLSX
	case ".json":
		return contentTypeJSON
	default:
		return "application/octet-stream"
	}
}
