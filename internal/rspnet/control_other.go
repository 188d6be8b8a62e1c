//go:build !unix

package rspnet

import "syscall"

// controlReuseAddr is a no-op on non-unix platforms; SO_REUSEADDR has
// different (and in some cases unsafe) semantics on Windows and is left
// at its platform default there.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
