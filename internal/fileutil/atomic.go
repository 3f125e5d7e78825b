// Package fileutil holds the durable file primitives shared by the state and
// result stores: atomic replace via temp file + rename, and copy-aside backups.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BackupSuffix is appended to a file name while a checkpoint holds a copy of it.
const BackupSuffix = ".backup_temp"

// WriteFunc streams the new file content.
type WriteFunc func(w io.Writer) error

// WriteAtomic replaces path with the bytes produced by fn. The content is
// written to a temp file in the same directory, synced, and renamed over the
// target, so readers observe either the previous or the new file.
func WriteAtomic(path string, perm os.FileMode, fn WriteFunc) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := fn(tmp); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	committed = true
	return syncDir(dir)
}

// WriteFileAtomic is WriteAtomic for an in-memory payload.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Backup copies path to path+BackupSuffix. It reports false when path does
// not exist yet, in which case there is nothing to restore later.
func Backup(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := CopyFile(path, path+BackupSuffix); err != nil {
		return false, err
	}
	return true, nil
}

// Restore moves the backup copy back over path.
func Restore(path string) error {
	if err := os.Rename(path+BackupSuffix, path); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}

// DiscardBackup removes the backup copy if present.
func DiscardBackup(path string) error {
	if err := os.Remove(path + BackupSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove backup of %s: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dst through WriteAtomic, preserving the mode bits.
func CopyFile(src, dst string) error {
	// #nosec G304 -- paths come from operator configuration.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only handle
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	return WriteAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func syncDir(dir string) error {
	// #nosec G304 -- directory of a file we just wrote.
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
