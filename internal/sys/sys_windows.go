//go:build windows

package sys

import (
	"golang.org/x/sys/windows"
	"os"
)

const lockRangeLow = 0xffffffff

func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

func LockFile(file *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, lockRangeLow, lockRangeLow, ol)
}

func UnlockFile(file *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(file.Fd()), 0, lockRangeLow, lockRangeLow, ol)
}

func DataSync(file *os.File) error {
	return windows.FlushFileBuffers(windows.Handle(file.Fd()))
}

func GetSysPageSize() int {
	return os.Getpagesize()
}
