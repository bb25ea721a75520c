//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFileExclusive takes a non-blocking advisory exclusive lock on f,
// preventing a second process from opening the same database directory.
func lockFileExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func releaseLockFile(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
