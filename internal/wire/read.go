package wire

import (
	"encoding/binary"

	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
)

// Reader incrementally parses framed messages off a non-blocking
// ByteStream, retaining partial header/payload state across WouldBlock
// results so a resumed read continues exactly where the last one stopped.
// One Reader belongs to exactly one connection for its whole lifetime.
type Reader struct {
	stream ByteStream

	header    [frameHeaderSize]byte
	headerLen int

	tag        Tag
	payload    []byte
	payloadLen int
}

// NewReader returns a Reader over stream.
func NewReader(stream ByteStream) *Reader {
	return &Reader{stream: stream}
}

// ReadMessage attempts to read one complete framed message. It returns
// ErrWouldBlock (never wrapped) when the stream has no more bytes right
// now; the Reader's internal state is preserved and the next call resumes
// from the same point. Any other non-nil error is terminal for the
// connection and resets the Reader's partial state.
func (r *Reader) ReadMessage() (*Message, error) {
	if err := r.fill(r.header[:], &r.headerLen, "wire.read_header"); err != nil {
		if err != ErrWouldBlock {
			r.reset()
		}
		return nil, err
	}

	if r.payload == nil {
		length := binary.BigEndian.Uint32(r.header[0:4])
		r.tag = Tag(r.header[4])
		r.payload = make([]byte, length)
	}

	if err := r.fill(r.payload, &r.payloadLen, "wire.read_payload"); err != nil {
		if err != ErrWouldBlock {
			r.reset()
		}
		return nil, err
	}

	msg := &Message{Tag: r.tag, payload: r.payload}
	r.reset()

	if msg.Tag.IsAdmin() {
		if err := ValidateAdminMessage(msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// fill reads into buf[*have:] until it is full, EOF/error occurs, or the
// stream would block.
func (r *Reader) fill(buf []byte, have *int, op string) error {
	for *have < len(buf) {
		n, err := r.stream.Read(buf[*have:])
		if n > 0 {
			*have += n
		}
		if err != nil {
			if isWouldBlock(err) {
				return ErrWouldBlock
			}
			if isEOF(err) {
				return preludeerrors.NewFrameError(op, preludeerrors.FrameEOF, err)
			}
			return preludeerrors.NewFrameError(op, preludeerrors.FrameTransport, err)
		}
		if n == 0 {
			return preludeerrors.NewFrameError(op, preludeerrors.FrameEOF, nil)
		}
	}
	return nil
}

func (r *Reader) reset() {
	r.headerLen = 0
	r.payload = nil
	r.payloadLen = 0
}
