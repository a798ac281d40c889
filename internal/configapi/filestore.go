package configapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore is a Store backed by a local path, standing in for the
// cluster filesystem collaborator (spec §6) that would otherwise
// replicate storage.cfg writes across nodes. Writes are atomic via a
// temp-file-plus-rename, matching the "atomic replacement" guarantee
// §6 assigns to that collaborator.
type FileStore struct {
	Path string
}

// Read returns the file's current bytes, or an empty document if the
// file does not yet exist (a fresh cluster with no storages configured).
func (fs FileStore) Read(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(fs.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", fs.Path, err)
	}

	return data, nil
}

// Write atomically replaces the file's contents.
func (fs FileStore) Write(ctx context.Context, data []byte) error {
	dir := filepath.Dir(fs.Path)
	tmp, err := os.CreateTemp(dir, ".storage.cfg.tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %q: %w", dir, err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %q: %w", tmp.Name(), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", tmp.Name(), err)
	}

	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod %q: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), fs.Path); err != nil {
		return fmt.Errorf("renaming %q to %q: %w", tmp.Name(), fs.Path, err)
	}

	return nil
}
