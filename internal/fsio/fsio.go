// Package fsio provides the JSON artifact writing contract shared by every
// persisted file: compact encoding, atomic temp-file + rename in the target
// directory, and quarantine of corrupt files.
package fsio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to path through a sibling ".tmp."-prefixed temp
// file and an atomic rename, creating parent directories as needed. A
// partially written file is never visible at path.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// WriteJSON marshals v compactly and writes it atomically. Document structs
// declare their fields in ascending JSON-name order, so the emitted keys are
// sorted without a custom encoder.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}

// ReadJSON unmarshals the file at path into v. A missing file surfaces as
// fs.ErrNotExist so callers can fall back to defaults.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Quarantine moves a corrupt artifact aside as <path>.bad so a fresh value
// can take its place. A missing file is not an error.
func Quarantine(path string) error {
	err := os.Rename(path, path+".bad")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("quarantining %s: %w", path, err)
	}
	return nil
}
