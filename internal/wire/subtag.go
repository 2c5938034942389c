package wire

import (
	"encoding/binary"
	"fmt"
)

// subTagHeaderSize is 1 byte kind + 4 byte big-endian length.
const subTagHeaderSize = 5

// SubTagIter walks the (subtag, length, bytes) triplets of a message payload
// in wire order. Data returned by Next aliases the original backing array,
// so a caller holding an offset can write through it to rewrite a sub-tag in
// place (see Route.SetHop).
type SubTagIter struct {
	buf []byte
	off int
}

// Next advances to the next sub-tag. ok is false at end of buffer; err is
// non-nil if the remaining bytes do not form a well-formed header or body.
func (it *SubTagIter) Next() (tag SubTag, data []byte, offset int, ok bool, err error) {
	if it.off >= len(it.buf) {
		return 0, nil, 0, false, nil
	}
	if it.off+subTagHeaderSize > len(it.buf) {
		return 0, nil, 0, false, fmt.Errorf("truncated sub-tag header at offset %d", it.off)
	}
	tag = SubTag(it.buf[it.off])
	length := binary.BigEndian.Uint32(it.buf[it.off+1 : it.off+5])
	start := it.off + subTagHeaderSize
	end := start + int(length)
	if end > len(it.buf) || end < start {
		return 0, nil, 0, false, fmt.Errorf("truncated sub-tag body at offset %d", it.off)
	}
	it.off = end
	return tag, it.buf[start:end], start, true, nil
}
