// Package storage holds the durable-file primitives shared by the schedule
// store, the run-state ledger and the offline result cache. Every write goes
// through a temporary file in the destination directory followed by a rename,
// so readers observe either the previous document or the new one, never a
// truncated one.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// tmpPrefix marks in-flight temporary files. Directory scans skip them.
const tmpPrefix = ".tmp-"

// StorageError reports a durable read or write that could not complete.
type StorageError struct {
	Op   string // "read", "write", "remove", "list"
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTemp reports whether name is an in-flight temporary file created by
// AtomicWrite.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), tmpPrefix)
}

// AtomicWrite writes data to path via a temporary file and rename. The parent
// directory is created if needed. On failure the previous file at path, if
// any, is left untouched.
func AtomicWrite(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	tmp, err := afero.TempFile(fs, dir, tmpPrefix+"*")
	if err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	success = true
	return nil
}

// WriteJSON marshals v as indented JSON and writes it atomically to path.
func WriteJSON[T any](fs afero.Fs, path string, v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", path, err)
	}
	return AtomicWrite(fs, path, data)
}

// ReadJSON reads path and decodes it into a value of type T. A missing file
// is reported with an error satisfying errors.Is(err, os.ErrNotExist).
func ReadJSON[T any](fs afero.Fs, path string) (T, error) {
	var v T
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return v, &StorageError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &StorageError{Op: "read", Path: path, Err: err}
	}
	return v, nil
}

// IsNotExist reports whether err means the file does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// Remove deletes path. A missing file is not an error.
func Remove(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !IsNotExist(err) {
		return &StorageError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// ListJSON returns the base names of the regular *.json files in dir, without
// the extension. A missing directory yields an empty list.
func ListJSON(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: dir, Err: err}
	}

	var names []string
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || IsTemp(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}
