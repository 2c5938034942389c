package router

import (
	"encoding/binary"
	stdErrors "errors"
	"fmt"

	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/wire"
)

// errNotPeer is returned when a registry.Member does not implement the
// richer Peer interface the router needs; this would mean the registry was
// populated by something other than internal/sensor.Connection, which is a
// wiring bug, not a routing-time condition.
var errNotPeer = stdErrors.New("router: registered member does not implement Peer")

// forward implements forward_message_to_analyzerid (spec.md §4.4.4). The
// registry mutex held by Connections.WithConnection is what makes the
// lookup, recipient-side permission check, and write-or-enqueue atomic
// with respect to a concurrent close of the destination.
func (r *Router) forward(msg *wire.Message, target uint64, requestDirection bool) error {
	return r.Connections.WithConnection(target, func(m registry.Member) error {
		peer, ok := m.(Peer)
		if !ok {
			return errNotPeer
		}

		if requestDirection {
			required := wire.AdminRead
			if peer.WeConnected() {
				required = wire.AdminWrite
			}
			if !peer.Permission().Has(required) {
				return preludeerrors.NewRoutingError(preludeerrors.RoutingRecipientDenies)
			}
		}

		return peer.Send(msg)
	})
}

// synthesizeReply implements spec.md §4.4.5: a REPLY whose TARGET_ID is the
// prefix of ids walked so far (0..upToHop), whose HOP is upToHop-1, and
// whose body carries reason as an ERROR sub-tag. Written synchronously and
// directly to emitter; SendDirect retries WouldBlock in place.
func (r *Router) synthesizeReply(route *wire.Route, upToHop uint32, reason string, emitter Peer) error {
	if upToHop == 0 || int(upToHop) > route.N() {
		return fmt.Errorf("router: invalid reply truncation point %d for route of length %d", upToHop, route.N())
	}

	reply := wire.NewMessage(wire.OptionReply)
	reply.AppendSubTag(wire.SubTargetID, route.Prefix(int(upToHop)))

	hopBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(hopBuf, upToHop-1)
	reply.AppendSubTag(wire.SubHop, hopBuf)

	reply.AppendError(reason)

	return emitter.SendDirect(reply)
}
