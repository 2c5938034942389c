//go:build linux

package netpoll

import (
	"golang.org/x/sys/unix"

	"github.com/preludemgr/manager-core/internal/logger"
)

// Conn is a non-blocking raw-fd connection. It is affinitised to exactly one
// worker for its entire lifetime, so the ReadFunc/WriteFunc registered for it
// never run concurrently with each other. Conn implements wire.ByteStream.
type Conn struct {
	fd         int
	remoteAddr string
	worker     *worker
}

// Fd returns the underlying file descriptor.
func (c *Conn) Fd() int { return c.fd }

// RemoteAddr returns the peer address string captured at accept time.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Read performs a non-blocking raw read. A zero n with nil err denotes an
// orderly peer shutdown (EOF); unix.EAGAIN denotes would-block.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write performs a non-blocking raw write.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// NotifyWriteEnable arms writability interest for this connection. Safe to
// call from any goroutine, including one owned by another worker — the
// arming side effect is applied via epoll_ctl, which the kernel serializes.
// Matches the wire.ByteStream-adjacent Transport contract (no return value);
// a failed epoll_ctl is logged rather than surfaced, since the caller has no
// useful recovery beyond what the next read/write failure on the same fd
// will already report.
func (c *Conn) NotifyWriteEnable() {
	if err := c.worker.setWritable(c.fd, true); err != nil {
		logger.Warn("netpoll: arm EPOLLOUT failed", "fd", c.fd, "err", err)
	}
}

// NotifyWriteDisable disarms writability interest for this connection.
func (c *Conn) NotifyWriteDisable() {
	if err := c.worker.setWritable(c.fd, false); err != nil {
		logger.Warn("netpoll: disarm EPOLLOUT failed", "fd", c.fd, "err", err)
	}
}
