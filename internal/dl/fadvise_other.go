//go:build !linux

package dl

import "os"

func fadvise(_ *os.File, _, _ int64) {}
