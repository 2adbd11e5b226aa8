//go:build windows

package adapter

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseControl marks the mDNS socket address-reusable before bind so this
// process can share port 5353 with other mDNS stacks on the host
// (RFC 6762 §15.1). Windows has no SO_REUSEPORT; SO_REUSEADDR covers both.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
