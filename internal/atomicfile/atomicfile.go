// Package atomicfile publishes small state files without ever exposing a
// partially-written version to a concurrent reader.
package atomicfile

import (
    "fmt"
    "os"
    "path/filepath"
)

// Write writes data to path by first writing to a sibling temp file and
// renaming it into place. Rename is atomic on the same filesystem, so
// readers either see the old content or the new content, never a partial
// write.
func Write(path string, data []byte, perm os.FileMode) error {
    dir := filepath.Dir(path)
    tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
    if err != nil {
        return fmt.Errorf("atomicfile: create temp: %w", err)
    }
    tmpName := tmp.Name()

    if _, err := tmp.Write(data); err != nil {
        tmp.Close()
        os.Remove(tmpName)
        return fmt.Errorf("atomicfile: write temp: %w", err)
    }
    if err := tmp.Chmod(perm); err != nil {
        tmp.Close()
        os.Remove(tmpName)
        return fmt.Errorf("atomicfile: chmod temp: %w", err)
    }
    if err := tmp.Close(); err != nil {
        os.Remove(tmpName)
        return fmt.Errorf("atomicfile: close temp: %w", err)
    }
    if err := os.Rename(tmpName, path); err != nil {
        os.Remove(tmpName)
        return fmt.Errorf("atomicfile: rename: %w", err)
    }
    return nil
}

// ReadOrEmpty reads path, returning an empty slice (not an error) when the
// file does not yet exist. Readers of published artifacts must tolerate
// absence rather than treat it as a failure.
func ReadOrEmpty(path string) ([]byte, error) {
    data, err := os.ReadFile(path)
    if err != nil {
        if os.IsNotExist(err) {
            return nil, nil
        }
        return nil, err
    }
    return data, nil
}
