// Package router implements the admin-message routing logic of spec.md
// §4.4: hop-route extraction, request/reply dispatch, forwarding under the
// connections registry, and unreachable/prohibited reply synthesis.
package router

import (
	"log/slog"

	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/wire"
)

// Peer is what the router needs from a connection beyond the bare identity
// registry.Member exposes: its declared permission set, its connection
// direction, and the two ways a message reaches its transport. Concrete
// connections (internal/sensor.Connection) implement both registry.Member
// and Peer; the router type-asserts registry.Member values it receives back
// from the connections registry into Peer.
type Peer interface {
	registry.Member

	// Permission returns the connection's granted capability mask.
	Permission() wire.Capability

	// WeConnected reports whether this node initiated the connection
	// (outbound, this node is the client) as opposed to having accepted it.
	WeConnected() bool

	// Send attempts a non-blocking write of msg. On WouldBlock it appends
	// msg to the connection's own outbound queue and arms writability
	// interest, returning nil (spec.md §4.4.4 step 4 treats this as Ok).
	Send(msg *wire.Message) error

	// SendDirect writes msg synchronously, retrying in place on WouldBlock.
	// Used only for the already-on-an-error-path reply synthesis of
	// spec.md §4.4.5, which must not be deferred to the outbound queue.
	SendDirect(msg *wire.Message) error
}

// LocalOptionProcessor handles an OPTION_REQUEST whose route has reached
// this node (get_msg_target_ident's Local verdict). It is responsible for
// writing its reply directly on the emitter's transport; the router itself
// has no opinion on what local administrative options exist.
type LocalOptionProcessor interface {
	HandleLocal(msg *wire.Message, emitter Peer) error
}

// Router dispatches OPTION_REQUEST/OPTION_REPLY messages per spec.md §4.4.
type Router struct {
	Connections *registry.Connections
	Local       LocalOptionProcessor
	Logger      *slog.Logger
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
