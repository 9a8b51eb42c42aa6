//go:build unix

package sys

import (
	"golang.org/x/sys/unix"
	"os"
)

func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

// LockFile takes an exclusive advisory lock, failing at once if another process holds it.
func LockFile(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func UnlockFile(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}

func DataSync(file *os.File) error {
	return unix.Fsync(int(file.Fd()))
}

func GetSysPageSize() int {
	return unix.Getpagesize()
}
