//go:build unix

package engine

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquireLock takes an exclusive write lock on the session version file,
// asserting sole ownership of the directory, and writes the two version
// bytes. The lock lives as long as the returned file stays open.
func acquireLock(path string, major, minor byte) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engine: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("engine: session directory is locked by another instance: %w", err)
	}

	if _, err := f.WriteAt([]byte{major, minor}, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("engine: write version file: %w", err)
	}
	return f, nil
}
