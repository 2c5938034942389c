package wire

import "encoding/binary"

// Message is a parsed framed message: a top-level Tag plus a payload made of
// (sub-tag, length, bytes) triplets. The payload is kept as one contiguous
// buffer so a sub-tag already written to it — HOP, in particular — can be
// rewritten in place without reallocating or disturbing neighboring sub-tags.
type Message struct {
	Tag     Tag
	payload []byte
}

// NewMessage returns an empty message of the given tag, ready for
// AppendSubTag calls.
func NewMessage(tag Tag) *Message {
	return &Message{Tag: tag}
}

// AppendSubTag appends a new (subtag, length, bytes) triplet to the payload.
func (m *Message) AppendSubTag(tag SubTag, data []byte) {
	hdr := make([]byte, subTagHeaderSize)
	hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(data)))
	m.payload = append(m.payload, hdr...)
	m.payload = append(m.payload, data...)
}

// AppendError appends a NUL-terminated ASCII ERROR sub-tag.
func (m *Message) AppendError(reason string) {
	m.AppendSubTag(SubError, append([]byte(reason), 0))
}

// Payload returns the raw sub-tag sequence backing this message. Callers
// must not retain slices into it across a Clone.
func (m *Message) Payload() []byte { return m.payload }

// SubTags returns a fresh iterator over the message's sub-tags in wire order.
func (m *Message) SubTags() *SubTagIter {
	return &SubTagIter{buf: m.payload}
}

// Clone returns a deep copy of m, safe to hand to a worker that does not own
// m — required whenever a forwarded message is queued onto a connection
// other than the one that parsed it, since the source connection's reader
// may reuse or discard its buffer independently.
func (m *Message) Clone() *Message {
	cp := make([]byte, len(m.payload))
	copy(cp, m.payload)
	return &Message{Tag: m.Tag, payload: cp}
}

// NewAdminMessage builds an OPTION_REQUEST/OPTION_REPLY message carrying a
// TARGET_ID route and a HOP index.
func NewAdminMessage(tag Tag, ids []uint64, hop uint32) *Message {
	m := NewMessage(tag)
	idBuf := make([]byte, len(ids)*8)
	for i, id := range ids {
		binary.BigEndian.PutUint64(idBuf[i*8:i*8+8], id)
	}
	m.AppendSubTag(SubTargetID, idBuf)
	hopBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(hopBuf, hop)
	m.AppendSubTag(SubHop, hopBuf)
	return m
}
