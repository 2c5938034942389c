package sensor

import (
	"errors"
	"fmt"

	"github.com/preludemgr/manager-core/internal/wire"
)

var errPermissionDenied = errors.New("sensor: permission denied for IDMEF event direction")

func errUnexpectedTag(tag wire.Tag) error {
	return fmt.Errorf("sensor: unexpected tag %s for a ready connection", tag)
}
