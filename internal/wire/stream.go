package wire

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// ByteStream is the non-blocking transport handle the framed I/O layer reads
// and writes. Implementations (internal/netpoll's raw-fd connections, or a
// TLS/Noise-wrapped stream from internal/transport) report would-block by
// returning an error satisfying errors.Is(err, unix.EAGAIN) or ErrWouldBlock
// directly; n may be > 0 alongside such an error if partial progress was
// made before the stream filled up.
type ByteStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// ErrWouldBlock is returned by ReadMessage/WriteMessage when the transport
// has no more data to give or would block on write. It is never wrapped
// around a cause; callers compare with ==.
var ErrWouldBlock = errors.New("wire: would block")

func isWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if err == ErrWouldBlock {
		return true
	}
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func isEOF(err error) bool {
	return err != nil && errors.Is(err, io.EOF)
}
