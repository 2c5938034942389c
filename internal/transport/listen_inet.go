package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ListenInet binds addr ("host:port") with SO_REUSEADDR set on the listening
// socket, matching original_source/src/server-generic.c's inet_server_start.
// SO_KEEPALIVE is applied per accepted connection in AcceptTCP, since it is
// a per-connection socket option, not a listener option.
func ListenInet(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}

	l, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen inet %s: %w", addr, err)
	}
	return l, nil
}

// AcceptTCP accepts the next connection from l and enables TCP keepalive on
// it, mirroring inet_server_start's SO_KEEPALIVE.
func AcceptTCP(l net.Listener) (net.Conn, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}
