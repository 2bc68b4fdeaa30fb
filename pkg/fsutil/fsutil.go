package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FileSize returns the size of a regular file.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}

	return info.Size(), nil
}

// IsEmptyDir reports whether path is a directory with no entries.
func IsEmptyDir(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}

	return false, err
}

// RemoveIfEmpty removes path when it is an empty directory. A directory
// that gained an entry in between is left alone.
func RemoveIfEmpty(path string) (bool, error) {
	empty, err := IsEmptyDir(path)
	if err != nil || !empty {
		return false, err
	}

	// os.Remove on a directory is rmdir, which fails if it is not empty.
	if err := os.Remove(path); err != nil {
		return false, err
	}

	return true, nil
}

// Commit atomically moves a fully written temporary file into place.
func Commit(tmpPath, dstPath string) error {
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("renaming %s to %s: %w", tmpPath, dstPath, err)
	}

	return nil
}

// RemoveFile deletes a file, treating an already missing file as success.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
