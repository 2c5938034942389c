package sensor

import (
	"sync"
	"testing"
	"time"

	"github.com/preludemgr/manager-core/internal/capability"
	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/router"
	"github.com/preludemgr/manager-core/internal/scheduler"
	"github.com/preludemgr/manager-core/internal/wire"
)

// memTransport is an in-memory Transport double: Read drains a buffered
// inbox (returning wire.ErrWouldBlock when empty), Write always succeeds
// and appends to an outbox, matching the non-blocking ByteStream contract
// without needing a real socket.
type memTransport struct {
	mu           sync.Mutex
	inbox        []byte
	outbox       []byte
	writeEnabled bool
}

func (m *memTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbox) == 0 {
		return 0, wire.ErrWouldBlock
	}
	n := copy(p, m.inbox)
	m.inbox = m.inbox[n:]
	return n, nil
}

func (m *memTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, p...)
	return len(p), nil
}

func (m *memTransport) RemoteAddr() string      { return "mem" }
func (m *memTransport) NotifyWriteEnable()      { m.writeEnabled = true }
func (m *memTransport) NotifyWriteDisable()     { m.writeEnabled = false }
func (m *memTransport) feed(b []byte)           { m.mu.Lock(); m.inbox = append(m.inbox, b...); m.mu.Unlock() }
func (m *memTransport) outboxSnapshot() []byte  { m.mu.Lock(); defer m.mu.Unlock(); return append([]byte(nil), m.outbox...) }

func encodeMessage(t *testing.T, msg *wire.Message) []byte {
	t.Helper()
	mt := &memTransport{}
	w := wire.NewWriter(mt)
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return mt.outboxSnapshot()
}

func capabilityMsg(mask wire.Capability) *wire.Message {
	m := wire.NewMessage(wire.ConnectionCapability)
	m.AppendSubTag(wire.SubCapability, []byte{byte(mask)})
	return m
}

func newTestDriver(localPermission wire.Capability) (*Driver, *registry.Connections, *registry.MemRelayRegistry, *scheduler.MemFactory) {
	conns := registry.NewConnections()
	relays := registry.NewMemRelayRegistry()
	queues := &scheduler.MemFactory{Capacity: 4}
	hs := &capability.Handshake{
		LocalPermission: localPermission,
		Relays:          relays,
		Connections:     conns,
		Queues:          queues,
	}
	rtr := &router.Router{Connections: conns}
	d := &Driver{Handshake: hs, Router: rtr, Connections: conns}
	return d, conns, relays, queues
}

func TestHandshakeTransitionsToReadyAndRegisters(t *testing.T) {
	d, conns, _, _ := newTestDriver(0)
	mt := &memTransport{}
	c := NewConnection(mt, 100, true, 0, false, nil)

	mt.feed(encodeMessage(t, capabilityMsg(wire.IDMEFWrite)))
	if rc := d.OnReadable(c); rc < 0 {
		t.Fatalf("OnReadable returned close on valid handshake")
	}
	if c.State() != capability.Ready {
		t.Fatalf("expected Ready state, got %v", c.State())
	}
	if !conns.Contains(c) {
		t.Fatalf("expected connection registered")
	}
	if c.Permission() != wire.IDMEFWrite {
		t.Fatalf("unexpected permission mask: %v", c.Permission())
	}
}

func TestHandshakeRejectsNonCapabilityFirstMessage(t *testing.T) {
	d, _, _, _ := newTestDriver(0)
	mt := &memTransport{}
	c := NewConnection(mt, 100, true, 0, false, nil)

	mt.feed(encodeMessage(t, wire.NewAdminMessage(wire.OptionRequest, []uint64{1, 2}, 0)))
	if rc := d.OnReadable(c); rc >= 0 {
		t.Fatalf("expected close on non-capability first message")
	}
}

func TestEventAcceptedWhenPermissionGranted(t *testing.T) {
	d, _, _, _ := newTestDriver(0)
	mt := &memTransport{}
	c := NewConnection(mt, 100, true, 0, false, nil) // we_connected=false -> needs IDMEF_WRITE

	mt.feed(encodeMessage(t, capabilityMsg(wire.IDMEFWrite)))
	if rc := d.OnReadable(c); rc < 0 {
		t.Fatalf("handshake failed")
	}

	event := wire.NewMessage(wire.IDMEF)
	event.AppendSubTag(wire.SubPayload, []byte("alert-body"))
	mt.feed(encodeMessage(t, event))
	if rc := d.OnReadable(c); rc < 0 {
		t.Fatalf("expected event accepted, got close")
	}

	mq := c.queue.(*scheduler.MemQueue)
	select {
	case got := <-mq.Events():
		if string(got) != "alert-body" {
			t.Fatalf("unexpected event payload: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for scheduled event")
	}
}

func TestEventDeniedWithoutPermissionClosesConnection(t *testing.T) {
	d, _, _, _ := newTestDriver(wire.IDMEFRead) // lets the IDMEF_READ declaration below pass the handshake
	mt := &memTransport{}
	c := NewConnection(mt, 100, true, 0, false, nil) // needs IDMEF_WRITE

	mt.feed(encodeMessage(t, capabilityMsg(wire.IDMEFRead))) // declares the wrong direction
	if rc := d.OnReadable(c); rc < 0 {
		t.Fatalf("handshake failed")
	}

	event := wire.NewMessage(wire.IDMEF)
	event.AppendSubTag(wire.SubPayload, []byte("alert-body"))
	mt.feed(encodeMessage(t, event))
	if rc := d.OnReadable(c); rc >= 0 {
		t.Fatalf("expected close when IDMEF_WRITE is not granted")
	}
}

func TestAdminRequestForwardsThroughRouterToPeerConnection(t *testing.T) {
	d, _, _, _ := newTestDriver(0)

	mtA := &memTransport{}
	connA := NewConnection(mtA, 10, true, 0, true, nil) // we_connected -> needs ADMIN_READ
	mtA.feed(encodeMessage(t, capabilityMsg(wire.AdminRead)))
	if rc := d.OnReadable(connA); rc < 0 {
		t.Fatalf("handshake A failed")
	}

	mtB := &memTransport{}
	connB := NewConnection(mtB, 20, true, 0, false, nil) // accepted -> needs ADMIN_READ as recipient
	mtB.feed(encodeMessage(t, capabilityMsg(wire.AdminRead)))
	if rc := d.OnReadable(connB); rc < 0 {
		t.Fatalf("handshake B failed")
	}

	req := wire.NewAdminMessage(wire.OptionRequest, []uint64{10, 20}, 0)
	mtA.feed(encodeMessage(t, req))
	if rc := d.OnReadable(connA); rc < 0 {
		t.Fatalf("expected request forwarded without closing A")
	}

	if len(mtB.outboxSnapshot()) == 0 {
		t.Fatalf("expected the request written to B's transport")
	}
}

func TestCloseDetachesRelayAndDeregisters(t *testing.T) {
	d, conns, relays, _ := newTestDriver(wire.IDMEFRead)
	mt := &memTransport{}
	c := NewConnection(mt, 777, true, 0, false, nil)

	mt.feed(encodeMessage(t, capabilityMsg(wire.IDMEFRead)))
	if rc := d.OnReadable(c); rc < 0 {
		t.Fatalf("handshake failed")
	}
	if !conns.Contains(c) {
		t.Fatalf("expected registered before close")
	}

	d.OnClose(c)
	d.OnClose(c) // idempotent

	if conns.Contains(c) {
		t.Fatalf("expected deregistered after close")
	}
	relay, ok := relays.SearchReceiver(777)
	if !ok {
		t.Fatalf("expected relay entry to persist after close")
	}
	if relay.State() != registry.RelayDead {
		t.Fatalf("expected relay marked dead, got %v", relay.State())
	}
}
