//go:build linux || darwin || freebsd || netbsd || openbsd

package flashheap

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

type fdDevice interface {
	Fd() uintptr
}

// lock takes an advisory exclusive lock on OS-backed devices so a second
// process cannot stage into the same chain concurrently.
func (device *Device) lock() (func(), error) {
	f, ok := device.dev.(fdDevice)
	if !ok {
		return func() {}, nil
	}
	fd := int(f.Fd())
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, dlerr.New(dlerr.Busy, "device %d is locked by another process", device.Index)
		}
		return nil, err
	}
	return func() { _ = unix.Flock(fd, unix.LOCK_UN) }, nil
}
