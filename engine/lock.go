package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

const lockFileName = "LOCK"

// acquireDirLock guards a data directory against a second engine. The lock
// file is created atomically and carries the owning pid for diagnostics.
func acquireDirLock(dir string) (func() error, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("data directory %s is already in use (remove %s if the owner is gone)", dir, path)
		}
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}
	return func() error {
		return os.Remove(path)
	}, nil
}
