//go:build unix

package rspnet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr sets SO_REUSEADDR on the listening socket before
// bind, matching the setsockopt call in original_source/ui/gdb.c's
// gdb_server().
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
