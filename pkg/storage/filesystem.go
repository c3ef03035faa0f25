package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	stagedSuffix = ".tmp"
	backupSuffix = ".bak"
)

// ErrNotExist is returned when the requested file is absent from the store.
var ErrNotExist = errors.New("file does not exist")

// LocalStorage persists document bytes on disk under a base directory.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage ensures the base directory exists and returns a handle.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage base directory required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Write atomically replaces the file at filename with data.
func (s *LocalStorage) Write(filename string, data []byte) error {
	staged, err := s.Stage(filename, data)
	if err != nil {
		return err
	}
	if err := staged.Promote(); err != nil {
		_ = staged.Discard()
		return err
	}
	return nil
}

// WriteStream atomically replaces the file at filename with the reader's content and returns the bytes written.
func (s *LocalStorage) WriteStream(filename string, r io.Reader) (int64, error) {
	staged, err := s.stage(filename, r)
	if err != nil {
		return 0, err
	}
	if err := staged.Promote(); err != nil {
		_ = staged.Discard()
		return 0, err
	}
	return staged.Size, nil
}

// Source is anything files can be read from by relative name.
type Source interface {
	Open(filename string) (*os.File, error)
}

// Copy streams filename from another store into this one atomically and returns the bytes written.
func (s *LocalStorage) Copy(from Source, filename string) (int64, error) {
	src, err := from.Open(filename)
	if err != nil {
		return 0, err
	}
	defer src.Close() //nolint:errcheck
	return s.WriteStream(filename, src)
}

// Stage writes data next to its final location without making it visible.
// The caller must Promote or Discard the result.
func (s *LocalStorage) Stage(filename string, data []byte) (*StagedFile, error) {
	return s.stage(filename, bytes.NewReader(data))
}

func (s *LocalStorage) stage(filename string, r io.Reader) (*StagedFile, error) {
	target := s.resolve(filename)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*"+stagedSuffix)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close() //nolint:errcheck
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close staging file: %w", err)
	}
	return &StagedFile{Name: filename, Size: size, tmpPath: tmpPath, target: target}, nil
}

// StagedFile is a fully written file waiting to be renamed into place.
type StagedFile struct {
	Name     string
	Size     int64
	tmpPath  string
	target   string
	promoted bool
}

// Promote atomically renames the staged bytes onto the final path.
func (f *StagedFile) Promote() error {
	if f.promoted {
		return nil
	}
	if err := os.Rename(f.tmpPath, f.target); err != nil {
		return fmt.Errorf("promote %s: %w", f.Name, err)
	}
	f.promoted = true
	return nil
}

// Discard removes the staged bytes. Promoted files are left alone.
func (f *StagedFile) Discard() error {
	if f.promoted {
		return nil
	}
	if err := os.Remove(f.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard staged %s: %w", f.Name, err)
	}
	return nil
}

// Promoted reports whether the file reached its final path.
func (f *StagedFile) Promoted() bool {
	return f.promoted
}

// Backup copies the current bytes of filename aside so they can be restored later.
func (s *LocalStorage) Backup(filename string) (*BackupCopy, error) {
	target := s.resolve(filename)
	src, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", filename, ErrNotExist)
		}
		return nil, fmt.Errorf("open %s for backup: %w", filename, err)
	}
	defer src.Close() //nolint:errcheck

	bak, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*"+backupSuffix)
	if err != nil {
		return nil, fmt.Errorf("create backup file: %w", err)
	}
	bakPath := bak.Name()
	if _, err := io.Copy(bak, src); err != nil {
		bak.Close() //nolint:errcheck
		_ = os.Remove(bakPath)
		return nil, fmt.Errorf("copy backup of %s: %w", filename, err)
	}
	if err := bak.Close(); err != nil {
		_ = os.Remove(bakPath)
		return nil, fmt.Errorf("close backup of %s: %w", filename, err)
	}
	return &BackupCopy{Name: filename, store: s, bakPath: bakPath}, nil
}

// BackupCopy holds the previous content of a file during an in-place update.
type BackupCopy struct {
	Name    string
	store   *LocalStorage
	bakPath string
}

// Restore puts the saved bytes back on the original path.
func (b *BackupCopy) Restore() error {
	src, err := os.Open(b.bakPath)
	if err != nil {
		return fmt.Errorf("open backup of %s: %w", b.Name, err)
	}
	defer src.Close() //nolint:errcheck
	if _, err := b.store.WriteStream(b.Name, src); err != nil {
		return fmt.Errorf("restore %s: %w", b.Name, err)
	}
	return nil
}

// Discard removes the saved bytes.
func (b *BackupCopy) Discard() error {
	if err := os.Remove(b.bakPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard backup of %s: %w", b.Name, err)
	}
	return nil
}

// Open returns a read-only handle for the stored file.
func (s *LocalStorage) Open(filename string) (*os.File, error) {
	file, err := os.Open(s.resolve(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", filename, ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	return file, nil
}

// Stat returns the size in bytes of the stored file.
func (s *LocalStorage) Stat(filename string) (int64, error) {
	info, err := os.Stat(s.resolve(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("stat %s: %w", filename, ErrNotExist)
		}
		return 0, fmt.Errorf("stat %s: %w", filename, err)
	}
	return info.Size(), nil
}

// Delete removes a stored file. existed is false when nothing was there.
func (s *LocalStorage) Delete(filename string) (existed bool, err error) {
	if err := os.Remove(s.resolve(filename)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", filename, err)
	}
	return true, nil
}

// CleanupStale removes staging and backup leftovers older than ttl and returns their names.
func (s *LocalStorage) CleanupStale(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl)
	deleted := make([]string, 0)
	err := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, ".") || !(strings.HasSuffix(name, stagedSuffix) || strings.HasSuffix(name, backupSuffix)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			rel = path
		}
		deleted = append(deleted, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup staging leftovers: %w", err)
	}
	return deleted, nil
}

// Path exposes the underlying absolute path (useful for debugging).
func (s *LocalStorage) Path(filename string) string {
	return s.resolve(filename)
}

func (s *LocalStorage) resolve(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(s.baseDir, filepath.Clean("/"+filename))
}
