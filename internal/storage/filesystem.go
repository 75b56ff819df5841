package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// uploadsSubdir keeps object payloads separate from other files that may live
// in the data directory (the sqlite index, the persisted app secret).
const uploadsSubdir = "uploads"

// FilesystemBackend stores each object as a single file under
// <dataDir>/uploads/<locator>.
type FilesystemBackend struct {
	dataDir string
}

// NewFilesystemBackend creates the uploads directory under dataDir and
// returns a backend rooted there.
func NewFilesystemBackend(dataDir string) (*FilesystemBackend, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, uploadsSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &FilesystemBackend{dataDir: abs}, nil
}

// objectPath maps a locator to its path, rejecting anything that would
// escape the uploads directory.
func (b *FilesystemBackend) objectPath(locator string) (string, error) {
	if locator == "" || strings.ContainsAny(locator, "/\\") || strings.Contains(locator, "..") {
		return "", fmt.Errorf("invalid object locator %q", locator)
	}
	return filepath.Join(b.dataDir, uploadsSubdir, locator), nil
}

// Put writes to a unique temp file in the uploads directory and renames it
// into place, so a concurrent reader never observes a partially written
// object. Rename within one directory is atomic on POSIX filesystems.
func (b *FilesystemBackend) Put(_ context.Context, locator string, data []byte) error {
	objPath, err := b.objectPath(locator)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(objPath), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename object into place: %w", err)
	}
	return nil
}

func (b *FilesystemBackend) Get(_ context.Context, locator string) ([]byte, error) {
	objPath, err := b.objectPath(locator)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(objPath)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (b *FilesystemBackend) Delete(_ context.Context, locator string) error {
	objPath, err := b.objectPath(locator)
	if err != nil {
		return err
	}

	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (b *FilesystemBackend) Exists(_ context.Context, locator string) (bool, error) {
	objPath, err := b.objectPath(locator)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(objPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FilesystemBackend) Enumerate(_ context.Context) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(filepath.Join(b.dataDir, uploadsSubdir))
	if err != nil {
		return nil, fmt.Errorf("read uploads dir: %w", err)
	}

	infos := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			// Skip in-flight temp files from concurrent Puts.
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Debug("Stat upload entry", "name", entry.Name(), "err", err)
			continue
		}
		infos = append(infos, ObjectInfo{Locator: entry.Name(), Size: info.Size()})
	}
	return infos, nil
}
