//go:build !linux

package matrix

import "os"

func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
