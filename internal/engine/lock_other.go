//go:build !unix

package engine

import (
	"fmt"
	"os"
)

// acquireLock on platforms without flock: best effort, version bytes only.
func acquireLock(path string, major, minor byte) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engine: open lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte{major, minor}, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("engine: write version file: %w", err)
	}
	return f, nil
}
