//go:build linux

package dl

import (
	"os"

	"golang.org/x/sys/unix"
)

// fadvise tells the kernel we will not re-read a verified span, keeping
// large downloads from evicting the rest of the page cache.
func fadvise(f *os.File, offset, length int64) {
	if length <= 0 {
		return
	}
	_ = unix.Fadvise(int(f.Fd()), offset, length, unix.FADV_DONTNEED)
}
