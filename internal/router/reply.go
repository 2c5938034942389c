package router

import (
	"github.com/preludemgr/manager-core/internal/logger"
	"github.com/preludemgr/manager-core/internal/wire"
)

// HandleReply implements spec.md §4.4.3: no permission check, and any
// failure to locate or write to the destination is silently dropped — the
// requester has already timed out, and a reply loop is not worth retrying.
func (r *Router) HandleReply(msg *wire.Message) error {
	route, err := wire.ExtractRoute(msg)
	if err != nil {
		return err
	}

	verdict, target, _, err := targetIdent(route, Reply)
	if err != nil {
		return err
	}
	// The REPLY direction never yields Local (spec.md §4.4.1 step 4); this
	// is asserted by targetIdent's own logic, not re-checked here.
	_ = verdict

	if err := r.forward(msg, target, false); err != nil {
		logger.WithRoute(r.logger(), route.IDs, route.Hop).
			Debug("dropping undeliverable reply", "target_analyzer_id", target, "err", err)
	}
	return nil
}
