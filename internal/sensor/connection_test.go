package sensor

import (
	"testing"

	"github.com/preludemgr/manager-core/internal/capability"
)

func TestNewConnectionAssignsUniqueID(t *testing.T) {
	mt1, mt2 := &memTransport{}, &memTransport{}
	c1 := NewConnection(mt1, 1, true, 0, false, nil)
	c2 := NewConnection(mt2, 2, true, 0, false, nil)

	if c1.ID() == "" {
		t.Fatal("expected a non-empty correlation id")
	}
	if c1.ID() == c2.ID() {
		t.Fatal("expected distinct connections to get distinct correlation ids")
	}
}

func TestMarkReadyRegistersAndTransitionsToReady(t *testing.T) {
	_, conns, _, queues := newTestDriver(0)
	mt := &memTransport{}
	c := NewConnection(mt, 55, true, 0, true, nil)

	q, err := queues.NewQueue(55)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	c.MarkReady(conns, q, nil)

	if c.State() != capability.Ready {
		t.Fatalf("expected Ready state, got %v", c.State())
	}
	if !conns.Contains(c) {
		t.Fatal("expected MarkReady to register the connection")
	}
}
