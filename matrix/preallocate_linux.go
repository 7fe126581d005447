package matrix

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func preallocate(f *os.File, size int64) error {
	if size == 0 {
		return nil
	}

	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINTR) {
		// filesystems like tmpfs on older kernels can't reserve blocks
		return f.Truncate(size)
	}

	return err
}
