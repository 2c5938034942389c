// Package capability implements the first-message handshake state machine
// (spec.md §4.5): the mandatory CONNECTION_CAPABILITY message that moves a
// connection from Fresh to Ready, with the side effect of registering a
// reverse-relay receiver when the peer declares IDMEF_READ.
package capability

import (
	"errors"
	"fmt"

	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/scheduler"
	"github.com/preludemgr/manager-core/internal/wire"
)

// State is the tiny negotiation state machine from spec.md's Design Notes:
// a tagged variant {Fresh, Ready(capabilities)} rather than a nullable
// permission field.
type State int

const (
	Fresh State = iota
	Ready
)

// ErrNotCapabilityMessage means the first message on a connection was not
// CONNECTION_CAPABILITY; the caller must close the connection.
var ErrNotCapabilityMessage = errors.New("capability: first message must be CONNECTION_CAPABILITY")

// ErrRelayCredentialDenied means the peer declared IDMEF_READ but this
// node's own credentials lack IDMEF_READ, so it cannot serve as the peer's
// upstream relay target.
var ErrRelayCredentialDenied = errors.New("capability: local IDMEF_READ credential required to serve as relay target")

// Handshake runs the capability negotiation against the shared registries.
type Handshake struct {
	LocalPermission wire.Capability
	Relays          registry.RelayRegistry
	Connections     *registry.Connections
	Queues          scheduler.Factory
}

// Result is what a successful Handle produces: the peer's declared
// capability mask, the freshly allocated event queue, and (if the peer
// declared IDMEF_READ) the reverse-relay entry now bound to this connection.
type Result struct {
	Mask  wire.Capability
	Queue scheduler.Queue
	Relay *registry.Relay
}

// Handle processes msg as the first message on a connection. analyzerID is
// this peer's already-known identity (established by the transport-level
// credential exchange, §6); handle is the connections-registry key for this
// connection; member is the connection itself, used only to register it.
//
// On success the connection transitions Fresh -> Ready; the caller is
// responsible for tracking that transition and for closing the connection
// on any returned error.
func (h *Handshake) Handle(msg *wire.Message, analyzerID uint64, handle any, member registry.Member) (*Result, error) {
	if msg.Tag != wire.ConnectionCapability {
		return nil, ErrNotCapabilityMessage
	}

	mask, err := decodeMask(msg)
	if err != nil {
		return nil, err
	}

	var relay *registry.Relay
	if mask.Has(wire.IDMEFRead) {
		if !h.LocalPermission.Has(wire.IDMEFRead) {
			return nil, ErrRelayCredentialDenied
		}
		relay, err = h.registerRelay(analyzerID, handle)
		if err != nil {
			return nil, err
		}
	}

	queue, err := h.Queues.NewQueue(analyzerID)
	if err != nil {
		return nil, fmt.Errorf("capability: allocate event queue: %w", err)
	}
	h.Connections.Add(handle, member)

	return &Result{Mask: mask, Queue: queue, Relay: relay}, nil
}

// registerRelay implements handle_declare_parent_relay: reuse an existing
// entry for this analyzer id if the relay is reconnecting (no duplicate),
// else create a fresh one; always rebind the transport, mark established,
// then mark alive.
func (h *Handshake) registerRelay(analyzerID uint64, handle any) (*registry.Relay, error) {
	relay, found := h.Relays.SearchReceiver(analyzerID)
	if !found {
		relay = registry.NewRelay(analyzerID)
		if err := h.Relays.AddReceiver(relay); err != nil {
			return nil, fmt.Errorf("capability: add relay receiver: %w", err)
		}
	}
	relay.Rebind(handle)
	relay.MarkEstablished()
	h.Relays.SetReceiverAlive(relay)
	return relay, nil
}

func decodeMask(msg *wire.Message) (wire.Capability, error) {
	it := msg.SubTags()
	for {
		tag, data, _, ok, err := it.Next()
		if err != nil {
			return 0, fmt.Errorf("capability: %w", err)
		}
		if !ok {
			break
		}
		if tag == wire.SubCapability {
			if len(data) < 1 {
				return 0, errors.New("capability: empty CAPABILITY sub-tag")
			}
			return wire.Capability(data[0]), nil
		}
	}
	return 0, errors.New("capability: missing CAPABILITY sub-tag")
}
