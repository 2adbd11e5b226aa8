//go:build !windows

package adapter

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl marks the mDNS socket address-reusable before bind so this
// process can share port 5353 with other mDNS stacks on the host
// (RFC 6762 §15.1). SO_REUSEPORT failing is tolerable on platforms that
// predate it; SO_REUSEADDR is the one that must stick.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
