//go:build !linux

package pppoe

import (
	"fmt"
	"net"
	"runtime"
)

// openTransport returns an error on non-Linux platforms
func openTransport(_ *net.Interface) (Transport, error) {
	return nil, fmt.Errorf("raw sockets not supported on %s (Linux required for PPPoE)", runtime.GOOS)
}
