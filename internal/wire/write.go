package wire

import preludeerrors "github.com/preludemgr/manager-core/internal/errors"

// Writer incrementally writes framed messages to a non-blocking
// ByteStream, retaining the unwritten tail of a message across WouldBlock
// results. One Writer belongs to exactly one connection for its whole
// lifetime; the caller (the connection's write callback) owns the pending
// outbound queue and must call WriteMessage with the same head-of-queue
// message on every retry until it returns nil.
type Writer struct {
	stream  ByteStream
	pending []byte
}

// NewWriter returns a Writer over stream.
func NewWriter(stream ByteStream) *Writer {
	return &Writer{stream: stream}
}

// WriteMessage attempts to write msg. A nil return means the full frame was
// written. ErrWouldBlock means the stream accepted a prefix (or nothing)
// and the caller must retry later with the identical msg; the Writer
// remembers how many bytes remain. Any other error is terminal.
func (w *Writer) WriteMessage(msg *Message) error {
	if w.pending == nil {
		w.pending = encodeFrame(msg)
	}
	for len(w.pending) > 0 {
		n, err := w.stream.Write(w.pending)
		if n > 0 {
			w.pending = w.pending[n:]
		}
		if err != nil {
			if isWouldBlock(err) {
				return ErrWouldBlock
			}
			w.pending = nil
			return preludeerrors.NewFrameError("wire.write_message", preludeerrors.FrameTransport, err)
		}
		if n == 0 {
			return ErrWouldBlock
		}
	}
	w.pending = nil
	return nil
}
