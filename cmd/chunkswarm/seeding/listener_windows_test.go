//go:build windows

package seeding

import (
	"context"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestListenerPortIsExclusive(t *testing.T) {
	lc := net.ListenConfig{Control: setListenerOptions}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reuse := net.ListenConfig{Control: func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}}
	second, err := reuse.Listen(context.Background(), "tcp", ln.Addr().String())
	if err == nil {
		second.Close()
	}
	assert.Error(t, err, "a second socket must not bind an agent's port")
}
