package server

import (
	"fmt"
	"net"

	"github.com/docker/go-connections/sockets"
	"github.com/libp2p/go-reuseport"
)

// Listen binds a TCP listener on addr. With reusePort the socket is opened
// with SO_REUSEPORT, so a replacement daemon can bind the same port while
// the old one drains.
func Listen(addr string, reusePort bool) (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	if reusePort {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = sockets.NewTCPSocket(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
