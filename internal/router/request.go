package router

import (
	stdErrors "errors"

	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
	"github.com/preludemgr/manager-core/internal/logger"
	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/wire"
)

// HandleRequest implements spec.md §4.4.2. emitter is the connection that
// sent msg (an OPTION_REQUEST).
func (r *Router) HandleRequest(msg *wire.Message, emitter Peer) error {
	route, err := wire.ExtractRoute(msg)
	if err != nil {
		return err
	}

	verdict, target, updatedHop, err := targetIdent(route, Request)
	if err != nil {
		return err
	}

	required := wire.AdminWrite
	if emitter.WeConnected() {
		required = wire.AdminRead
	}
	if !emitter.Permission().Has(required) {
		logger.WithRoute(logger.WithAnalyzer(r.logger(), logAnalyzerID(emitter), emitter.WeConnected()), route.IDs, route.Hop).
			Warn("admin request denied by emitter credentials")
		return r.synthesizeReply(route, updatedHop, "Destination agent is administratively prohibited", emitter)
	}

	switch verdict {
	case Local:
		if r.Local == nil {
			logger.WithRoute(r.logger(), route.IDs, route.Hop).
				Warn("no local option processor configured, dropping local admin request",
					"analyzer_id", logAnalyzerID(emitter))
			return nil
		}
		return r.Local.HandleLocal(msg, emitter)

	default: // Forward
		err := r.forward(msg, target, true)
		if err == nil {
			return nil
		}

		if stdErrors.Is(err, registry.ErrNoSuchAnalyzer) {
			return r.synthesizeReply(route, updatedHop, "Destination agent is unreachable", emitter)
		}
		if rk, ok := preludeerrors.IsRoutingError(err); ok && rk.Kind == preludeerrors.RoutingRecipientDenies {
			return r.synthesizeReply(route, updatedHop, "Destination agent is administratively prohibited", emitter)
		}
		return err
	}
}

func logAnalyzerID(p Peer) uint64 {
	id, _ := p.AnalyzerID()
	return id
}
