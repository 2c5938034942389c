//go:build linux

package transport

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExtractFD pulls the raw, non-blocking file descriptor out of a plaintext
// net.Conn (a *net.TCPConn or *net.UnixConn) so it can be handed to
// internal/netpoll's epoll reactor directly, bypassing the Go runtime's own
// netpoller for this socket from here on. It dup(2)s the fd before closing
// conn, since closing conn would otherwise also close the fd it hands back.
func ExtractFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("transport: %T does not support raw fd extraction", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("transport: SyscallConn: %w", err)
	}

	var fd int
	var dupErr error
	ctrlErr := rc.Control(func(sysfd uintptr) {
		fd, dupErr = unix.Dup(int(sysfd))
	})
	if ctrlErr != nil {
		return -1, fmt.Errorf("transport: Control: %w", ctrlErr)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("transport: dup fd: %w", dupErr)
	}

	if err := conn.Close(); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("transport: close original conn after dup: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("transport: set nonblocking: %w", err)
	}
	return fd, nil
}
