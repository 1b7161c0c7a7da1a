//go:build windows

package seeding

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// soExclusiveAddrUse is SO_EXCLUSIVEADDRUSE from winsock2.h.
const soExclusiveAddrUse = ^windows.SO_REUSEADDR

// setListenerOptions binds the port exclusively.
func setListenerOptions(network, address string, c syscall.RawConn) error {
	var setSockOptErr error
	err := c.Control(func(fd uintptr) {
		setSockOptErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, soExclusiveAddrUse, 1)
	})
	if err != nil {
		return err
	}
	return setSockOptErr
}
