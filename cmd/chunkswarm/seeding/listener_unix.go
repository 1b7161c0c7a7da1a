//go:build !windows

package seeding

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setListenerOptions lets a restarted agent rebind its port while old
// connections sit in TIME_WAIT.
func setListenerOptions(network, address string, c syscall.RawConn) error {
	var setSockOptErr error
	err := c.Control(func(fd uintptr) {
		setSockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return setSockOptErr
}
