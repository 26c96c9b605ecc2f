//go:build !unix

package localnet

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }

func broadcast(network, address string, c syscall.RawConn) error { return nil }
