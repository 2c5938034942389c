package transport

import (
	"errors"
	"net"
	"time"

	"github.com/preludemgr/manager-core/internal/wire"
)

// StreamAdapter makes a stdlib net.Conn satisfy wire.ByteStream's
// non-blocking contract. The plaintext fast path hands netpoll.Conn (a raw
// O_NONBLOCK fd) straight to the wire layer and never needs this; it exists
// for the encrypted paths (TLS, Noise), where crypto/tls and the Noise
// handshake state machine both assume a blocking net.Conn underneath and
// cannot be driven directly off epoll readiness. A zero read/write deadline
// converts "no data/buffer space right now" into ErrWouldBlock so the same
// resumable Reader/Writer in internal/wire works unmodified over either
// path.
type StreamAdapter struct {
	conn net.Conn
}

// NewStreamAdapter wraps conn.
func NewStreamAdapter(conn net.Conn) *StreamAdapter {
	return &StreamAdapter{conn: conn}
}

func (s *StreamAdapter) Read(p []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(p)
	if err != nil && isDeadlineExceeded(err) {
		return n, wire.ErrWouldBlock
	}
	return n, err
}

func (s *StreamAdapter) Write(p []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now()); err != nil {
		return 0, err
	}
	n, err := s.conn.Write(p)
	if err != nil && isDeadlineExceeded(err) {
		return n, wire.ErrWouldBlock
	}
	return n, err
}

// Close closes the underlying connection.
func (s *StreamAdapter) Close() error { return s.conn.Close() }

func isDeadlineExceeded(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
