// Package atomicfile provides the write-to-temp-then-rename discipline used
// by every persisted store in this engine (registry, auth, sessions).
package atomicfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNotExist is returned by ReadJSON when the target file does not exist,
// matching errors.Is(err, os.ErrNotExist) so callers can treat "no file yet"
// as an empty store rather than a failure.
var ErrNotExist = os.ErrNotExist

// ReadJSON decodes path into v. A missing file returns ErrNotExist so callers
// can special-case first-run with errors.Is.
func ReadJSON(path string, v any) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotExist
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON encodes v to a temp file in the same directory as path, fsyncs
// it, then renames it over path. This never leaves a half-written file
// observable under that name, even under concurrent readers.
func WriteJSON(path string, v any) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	return nil
}
