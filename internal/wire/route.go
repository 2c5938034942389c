package wire

import (
	"encoding/binary"
	"errors"

	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
)

// Route is the decoded TARGET_ID/HOP pair of an admin message, together with
// the byte offset needed to rewrite the HOP sub-tag in place.
type Route struct {
	msg       *Message
	IDs       []uint64
	Hop       uint32
	hopOffset int
}

// ExtractRoute scans msg's sub-tags for TARGET_ID and HOP. It returns an
// InvalidFrame *errors.FrameError if TARGET_ID is missing or malformed, if
// HOP is missing, or if HOP appears before TARGET_ID.
func ExtractRoute(msg *Message) (*Route, error) {
	it := msg.SubTags()
	route := &Route{msg: msg, hopOffset: -1}
	sawTargetID := false

	for {
		tag, data, offset, ok, err := it.Next()
		if err != nil {
			return nil, preludeerrors.NewFrameError("wire.extract_route", preludeerrors.FrameInvalid, err)
		}
		if !ok {
			break
		}
		switch tag {
		case SubTargetID:
			if len(data) == 0 || len(data)%8 != 0 || len(data)/8 < 2 {
				return nil, preludeerrors.NewFrameError("wire.extract_route", preludeerrors.FrameInvalid,
					errors.New("TARGET_ID length invalid"))
			}
			route.IDs = decodeIDs(data)
			sawTargetID = true
		case SubHop:
			if !sawTargetID {
				return nil, preludeerrors.NewFrameError("wire.extract_route", preludeerrors.FrameInvalid,
					errors.New("HOP seen before TARGET_ID"))
			}
			if len(data) != 4 {
				return nil, preludeerrors.NewFrameError("wire.extract_route", preludeerrors.FrameInvalid,
					errors.New("HOP length invalid"))
			}
			route.Hop = binary.BigEndian.Uint32(data)
			route.hopOffset = offset
		}
	}
	if !sawTargetID {
		return nil, preludeerrors.NewFrameError("wire.extract_route", preludeerrors.FrameInvalid,
			errors.New("missing TARGET_ID"))
	}
	if route.hopOffset < 0 {
		return nil, preludeerrors.NewFrameError("wire.extract_route", preludeerrors.FrameInvalid,
			errors.New("missing HOP"))
	}
	return route, nil
}

func decodeIDs(data []byte) []uint64 {
	ids := make([]uint64, len(data)/8)
	for i := range ids {
		ids[i] = binary.BigEndian.Uint64(data[i*8 : i*8+8])
	}
	return ids
}

// N returns the number of ids in the route.
func (r *Route) N() int { return len(r.IDs) }

// SetHop rewrites the HOP sub-tag payload in place, in network byte order.
// This mutates the message's backing payload so a forwarded copy carries
// the advanced hop index without reallocation.
func (r *Route) SetHop(newHop uint32) {
	binary.BigEndian.PutUint32(r.msg.payload[r.hopOffset:r.hopOffset+4], newHop)
	r.Hop = newHop
}

// Prefix returns a fresh TARGET_ID byte slice for ids[0:n), used when
// synthesizing unreachable/prohibited replies that truncate the route to
// the path walked so far.
func (r *Route) Prefix(n int) []byte {
	buf := make([]byte, n*8)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], r.IDs[i])
	}
	return buf
}
