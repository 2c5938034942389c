package wire

import "encoding/binary"

// frameHeaderSize is 4-byte big-endian payload length + 1-byte top-level tag.
const frameHeaderSize = 5

// encodeFrame serializes msg as a complete on-wire record.
func encodeFrame(msg *Message) []byte {
	buf := make([]byte, frameHeaderSize+len(msg.payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(msg.payload)))
	buf[4] = byte(msg.Tag)
	copy(buf[5:], msg.payload)
	return buf
}
