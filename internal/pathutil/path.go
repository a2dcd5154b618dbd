// Package pathutil provides filesystem path validation used when
// standing up disk stripes and the log/ledger files that sit beside
// them.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckDirectoryWritable ensures path exists (creating it and any missing
// parents if needed) and that the engine can actually write into it,
// proving the latter by round-tripping a throwaway file rather than
// trusting permission bits alone.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	absPath := path
	if p, err := filepath.Abs(path); err == nil {
		absPath = p
	}

	if err := ensureDir(absPath); err != nil {
		return err
	}
	return probeWritable(absPath)
}

// ensureDir makes sure absPath exists as a directory, creating it (and
// any missing parents) if it is simply absent.
func ensureDir(absPath string) error {
	info, err := os.Stat(absPath)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(absPath, 0755); mkErr != nil {
			return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, mkErr)
		}
		return nil
	case err != nil:
		return fmt.Errorf("cannot access directory %s: %w", absPath, err)
	case !info.IsDir():
		return fmt.Errorf("path %s exists but is not a directory", absPath)
	default:
		return nil
	}
}

// probeWritable confirms absPath accepts writes by creating, filling,
// and removing a scratch file inside it.
func probeWritable(absPath string) error {
	f, err := os.CreateTemp(absPath, ".bundlestored-writetest-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}
	name := f.Name()
	_, writeErr := f.Write([]byte("ok"))
	closeErr := f.Close()
	os.Remove(name)

	if writeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, closeErr)
	}
	return nil
}

// CheckFileDirectoryWritable checks that the directory containing
// filePath is writable, creating it if necessary. An empty filePath is
// valid for options that are themselves optional (e.g. no log file).
func CheckFileDirectoryWritable(filePath string, fileType string) error {
	if filePath == "" {
		return nil
	}

	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		dir = "./"
	}

	if err := CheckDirectoryWritable(dir); err != nil {
		return fmt.Errorf("%s file directory check failed: %w", fileType, err)
	}
	return nil
}
