package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/scheduler"
	"github.com/preludemgr/manager-core/internal/wire"
)

type fakeMember struct{ id uint64 }

func (f *fakeMember) AnalyzerID() (uint64, bool) { return f.id, true }

type fakeQueue struct{ closed bool }

func (q *fakeQueue) Schedule(ctx context.Context, analyzerID uint64, event []byte) error { return nil }
func (q *fakeQueue) Close() error                                                        { q.closed = true; return nil }

type fakeFactory struct {
	created []uint64
}

func (f *fakeFactory) NewQueue(analyzerID uint64) (scheduler.Queue, error) {
	f.created = append(f.created, analyzerID)
	return &fakeQueue{}, nil
}

func capabilityMessage(mask wire.Capability) *wire.Message {
	m := wire.NewMessage(wire.ConnectionCapability)
	m.AppendSubTag(wire.SubCapability, []byte{byte(mask)})
	return m
}

func newHandshake(localPerm wire.Capability) (*Handshake, *registry.MemRelayRegistry, *registry.Connections, *fakeFactory) {
	relays := registry.NewMemRelayRegistry()
	conns := registry.NewConnections()
	queues := &fakeFactory{}
	h := &Handshake{
		LocalPermission: localPerm,
		Relays:          relays,
		Connections:     conns,
		Queues:          queues,
	}
	return h, relays, conns, queues
}

func TestHandleRejectsNonCapabilityFirstMessage(t *testing.T) {
	h, _, _, _ := newHandshake(wire.IDMEFRead)
	msg := wire.NewAdminMessage(wire.OptionRequest, []uint64{1, 2}, 0)

	_, err := h.Handle(msg, 100, "handle-1", &fakeMember{id: 100})
	if !errors.Is(err, ErrNotCapabilityMessage) {
		t.Fatalf("expected ErrNotCapabilityMessage, got %v", err)
	}
}

func TestHandlePlainClientRegistersConnectionAndQueue(t *testing.T) {
	h, _, conns, queues := newHandshake(0)
	msg := capabilityMessage(wire.IDMEFWrite)

	result, err := h.Handle(msg, 200, "handle-200", &fakeMember{id: 200})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Mask != wire.IDMEFWrite {
		t.Fatalf("mask mismatch: %v", result.Mask)
	}
	if result.Relay != nil {
		t.Fatalf("expected no relay registration for a plain client")
	}
	if !conns.Contains("handle-200") {
		t.Fatalf("expected connection registered")
	}
	if len(queues.created) != 1 || queues.created[0] != 200 {
		t.Fatalf("expected event queue allocated for analyzer 200, got %+v", queues.created)
	}
}

func TestHandleRelayDeclarationRequiresLocalCredential(t *testing.T) {
	h, _, _, _ := newHandshake(0) // local node lacks IDMEF_READ
	msg := capabilityMessage(wire.IDMEFRead)

	_, err := h.Handle(msg, 300, "handle-300", &fakeMember{id: 300})
	if !errors.Is(err, ErrRelayCredentialDenied) {
		t.Fatalf("expected ErrRelayCredentialDenied, got %v", err)
	}
}

func TestHandleRelayDeclarationRegistersReceiver(t *testing.T) {
	h, relays, conns, _ := newHandshake(wire.IDMEFRead)
	msg := capabilityMessage(wire.IDMEFRead)

	result, err := h.Handle(msg, 777, "handle-777", &fakeMember{id: 777})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Relay == nil {
		t.Fatalf("expected relay registration")
	}
	if result.Relay.State() != registry.RelayAlive {
		t.Fatalf("expected relay alive after handshake, got %v", result.Relay.State())
	}
	if !conns.Contains("handle-777") {
		t.Fatalf("expected connection registered alongside relay")
	}
	if found, ok := relays.SearchReceiver(777); !ok || found != result.Relay {
		t.Fatalf("expected relay findable in registry")
	}
}

func TestHandleRelayReconnectReusesEntry(t *testing.T) {
	h, relays, _, _ := newHandshake(wire.IDMEFRead)
	msg := capabilityMessage(wire.IDMEFRead)

	first, err := h.Handle(msg, 777, "handle-a", &fakeMember{id: 777})
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	relays.SetDead(first.Relay)

	second, err := h.Handle(msg, 777, "handle-b", &fakeMember{id: 777})
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if second.Relay != first.Relay {
		t.Fatalf("expected reconnect to reuse the same relay entry, got a new one")
	}
	if second.Relay.Bind() != "handle-b" {
		t.Fatalf("expected rebind to the new transport handle")
	}
	if second.Relay.State() != registry.RelayAlive {
		t.Fatalf("expected relay alive after reconnect, got %v", second.Relay.State())
	}
}

func TestHandleMissingCapabilitySubTag(t *testing.T) {
	h, _, _, _ := newHandshake(0)
	msg := wire.NewMessage(wire.ConnectionCapability) // no CAPABILITY sub-tag

	if _, err := h.Handle(msg, 1, "handle-1", &fakeMember{id: 1}); err == nil {
		t.Fatalf("expected error for missing CAPABILITY sub-tag")
	}
}
