package wire

import (
	"errors"
	"fmt"

	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
)

// ValidateAdminMessage checks the sub-tag alignment invariants required of
// OPTION_REQUEST/OPTION_REPLY payloads: TARGET_ID length is a nonzero
// multiple of 8 carrying at least 2 ids, and HOP (4 bytes) never precedes
// TARGET_ID.
func ValidateAdminMessage(msg *Message) error {
	it := msg.SubTags()
	sawTargetID := false
	for {
		tag, data, _, ok, err := it.Next()
		if err != nil {
			return preludeerrors.NewFrameError("wire.validate_admin", preludeerrors.FrameInvalid, err)
		}
		if !ok {
			break
		}
		switch tag {
		case SubTargetID:
			if len(data) == 0 || len(data)%8 != 0 || len(data)/8 < 2 {
				return preludeerrors.NewFrameError("wire.validate_admin", preludeerrors.FrameInvalid,
					fmt.Errorf("TARGET_ID length %d invalid", len(data)))
			}
			sawTargetID = true
		case SubHop:
			if len(data) != 4 {
				return preludeerrors.NewFrameError("wire.validate_admin", preludeerrors.FrameInvalid,
					fmt.Errorf("HOP length %d invalid", len(data)))
			}
			if !sawTargetID {
				return preludeerrors.NewFrameError("wire.validate_admin", preludeerrors.FrameInvalid,
					errors.New("HOP seen before TARGET_ID"))
			}
		}
	}
	if !sawTargetID {
		return preludeerrors.NewFrameError("wire.validate_admin", preludeerrors.FrameInvalid,
			errors.New("missing TARGET_ID"))
	}
	return nil
}
