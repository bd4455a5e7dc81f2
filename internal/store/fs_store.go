package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cwbudde/trialflow/internal/codec"
)

// DefaultSnapshotFile is the snapshot name inside an experiment directory.
const DefaultSnapshotFile = "scheduler.json"

// binarySuffix is appended to the snapshot path for binary fallback documents.
const binarySuffix = ".gob"

// FSStore keeps one snapshot on the filesystem. JSON documents live at the
// configured path; binary fallback documents at the same path plus ".gob".
// Load prefers the binary file, and a JSON save removes a stale one.
//
// Writes use temp file + rename, so a crash leaves either the previous or the
// new snapshot in place.
type FSStore struct {
	path string
}

// NewFSStore creates a filesystem store. The parent directory is created if
// it doesn't exist.
func NewFSStore(path string) (*FSStore, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FSStore{path: path}, nil
}

// Path returns the JSON snapshot path.
func (fs *FSStore) Path() string {
	return fs.path
}

func (fs *FSStore) binaryPath() string {
	return fs.path + binarySuffix
}

// Save atomically writes doc.
func (fs *FSStore) Save(_ context.Context, doc codec.Document) error {
	if len(doc.Data) == 0 {
		return fmt.Errorf("snapshot document is empty")
	}

	target := fs.path
	if doc.Format == codec.FormatBinary {
		target = fs.binaryPath()
	}
	if err := writeAtomic(target, doc.Data); err != nil {
		return err
	}

	if doc.Format != codec.FormatBinary {
		if err := os.Remove(fs.binaryPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale binary snapshot: %w", err)
		}
	}

	slog.Debug("Snapshot saved", "path", target, "format", doc.Format, "bytes", len(doc.Data))
	return nil
}

// Load reads the current snapshot.
func (fs *FSStore) Load(_ context.Context) (codec.Document, error) {
	for _, candidate := range []struct {
		path   string
		format codec.Format
	}{
		{fs.binaryPath(), codec.FormatBinary},
		{fs.path, codec.FormatJSON},
	} {
		data, err := os.ReadFile(candidate.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return codec.Document{}, fmt.Errorf("failed to read snapshot file: %w", err)
		}
		slog.Debug("Snapshot loaded", "path", candidate.path, "format", candidate.format)
		return codec.Document{Format: candidate.format, Data: data}, nil
	}
	return codec.Document{}, &NotFoundError{Location: fs.path}
}

// Info describes the current snapshot file without decoding it.
func (fs *FSStore) Info() (SnapshotInfo, error) {
	for _, candidate := range []struct {
		path   string
		format codec.Format
	}{
		{fs.binaryPath(), codec.FormatBinary},
		{fs.path, codec.FormatJSON},
	} {
		st, err := os.Stat(candidate.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return SnapshotInfo{}, fmt.Errorf("failed to stat snapshot file: %w", err)
		}
		return SnapshotInfo{
			Location:  candidate.path,
			Format:    candidate.format,
			Size:      st.Size(),
			CreatedAt: st.ModTime(),
		}, nil
	}
	return SnapshotInfo{}, &NotFoundError{Location: fs.path}
}

// Delete removes both snapshot files.
func (fs *FSStore) Delete() error {
	found := false
	for _, p := range []string{fs.path, fs.binaryPath()} {
		err := os.Remove(p)
		if err == nil {
			found = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove snapshot: %w", err)
		}
	}
	if !found {
		return &NotFoundError{Location: fs.path}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tempPath := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}
	return nil
}
