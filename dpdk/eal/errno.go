package eal

import (
	"syscall"
)

// Errno represents an errno-style error returned by substrate and transport operations.
type Errno syscall.Errno

func (e Errno) Error() string {
	return syscall.Errno(e).Error()
}

// Is allows errors.Is(e, unix.EXXX) to match.
func (e Errno) Is(target error) bool {
	switch target := target.(type) {
	case Errno:
		return e == target
	case syscall.Errno:
		return syscall.Errno(e) == target
	}
	return false
}

// MakeErrno creates Errno from non-zero number or returns nil for zero.
// Negative numbers are negated.
func MakeErrno[T ~int | ~int32 | ~int64](errno T) error {
	switch {
	case errno == 0:
		return nil
	case errno < 0:
		return Errno(-errno)
	default:
		return Errno(errno)
	}
}
