// Package sensor implements the per-connection driver of spec.md §4.3: the
// Connection type that owns one peer's framed I/O state, permission set,
// and outbound queue, and the read/write/close callbacks netpoll invokes
// on it.
package sensor

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/preludemgr/manager-core/internal/capability"
	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/scheduler"
	"github.com/preludemgr/manager-core/internal/wire"
)

// Transport is the subset of netpoll.Conn a Connection needs: the
// resumable byte stream plus writability-interest control. Kept as an
// interface so this package (and its tests) never need the linux-only
// epoll build.
type Transport interface {
	wire.ByteStream
	RemoteAddr() string
	NotifyWriteEnable()
	NotifyWriteDisable()
}

// Connection is the data model of spec.md §3: identity, permission,
// direction, parse/outbound state, the reverse-relay binding, and the
// explicit registered flag (never inferred from registry membership, per
// spec.md §9's Open Question resolution).
type Connection struct {
	id        string
	transport Transport
	reader    *wire.Reader
	writer    *wire.Writer

	mu       sync.Mutex
	outbound []*wire.Message
	closed   bool
	closeMu  sync.Once

	identity      uint64
	identityKnown bool
	permission    wire.Capability
	weConnected   bool
	state         capability.State

	registered bool
	queue      scheduler.Queue
	relay      *registry.Relay

	log *slog.Logger
}

// NewConnection builds a Connection per spec.md §4.3's accept/outbound-connect
// constructors. identity/identityKnown/permission reflect the credential the
// transport layer already resolved (§6) before this connection is handed to
// the sensor driver; weConnected distinguishes an accepted connection from
// one this node dialed out.
func NewConnection(transport Transport, identity uint64, identityKnown bool, permission wire.Capability, weConnected bool, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		id:            uuid.New().String(),
		transport:     transport,
		reader:        wire.NewReader(transport),
		writer:        wire.NewWriter(transport),
		identity:      identity,
		identityKnown: identityKnown,
		permission:    permission,
		weConnected:   weConnected,
		state:         capability.Fresh,
		log:           log,
	}
}

// MarkReady transitions an outbound-connect Connection straight to Ready
// and registers it, per spec.md §4.3: a connection this node dialed out
// already has its identity and permission seeded from the credential it
// connected with, so it skips the Fresh/CONNECTION_CAPABILITY gate that
// accepted connections go through in Driver.handleHandshake. queue and
// relay mirror capability.Result's fields for an accepted connection that
// declared the same capabilities; relay is nil unless this side also wants
// to receive forwarded events back down the same link.
func (c *Connection) MarkReady(connections *registry.Connections, queue scheduler.Queue, relay *registry.Relay) {
	c.mu.Lock()
	c.queue = queue
	c.relay = relay
	c.registered = true
	c.state = capability.Ready
	c.mu.Unlock()
	connections.Add(c, c)
}

// ID is a scratch-state correlation id for log lines.
// It has no protocol meaning and is never sent on the wire; the analyzer id
// remains the only identity the protocol itself cares about.
func (c *Connection) ID() string { return c.id }

// AnalyzerID implements registry.Member.
func (c *Connection) AnalyzerID() (uint64, bool) {
	return c.identity, c.identityKnown
}

// Permission implements router.Peer.
func (c *Connection) Permission() wire.Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// WeConnected implements router.Peer. Set once at construction, never
// mutated afterward, so it is safe to read without the connection mutex.
func (c *Connection) WeConnected() bool { return c.weConnected }

// State reports the handshake state machine's current position.
func (c *Connection) State() capability.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send implements router.Peer: it enqueues a clone of msg (the destination's
// outbound queue must not share backing storage with the source connection,
// per spec.md §4.4.4) and drains the queue as far as it will go without
// blocking.
func (c *Connection) Send(msg *wire.Message) error {
	clone := msg.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.outbound = append(c.outbound, clone)
	return c.drainLocked()
}

// sendDirectBudget bounds the retry-in-place loop SendDirect runs on
// WouldBlock. spec.md §4.4.5 only says such a write is "retried in place";
// the original C retries unboundedly, but an unbounded retry risks wedging
// a worker goroutine forever against a stalled peer, so a deadline is
// imposed here instead.
const sendDirectBudget = 5 * time.Second

// SendDirect implements router.Peer: a synchronous write, retried in place
// on WouldBlock up to sendDirectBudget, for the already-on-an-error-path
// reply synthesis of spec.md §4.4.5. It does not touch the outbound queue.
//
// It writes through a throwaway wire.Writer rather than c.writer: c.writer
// may already have a partially-written head-of-queue message pending (set by
// drainLocked on a prior WouldBlock), and WriteMessage only encodes the msg
// it is given when no write is pending — otherwise it silently finishes the
// pending message instead, which would drop this reply and duplicate the
// queued one. A fresh Writer over the same transport has no such state; c.mu
// being held for the whole call still serializes its writes against
// drainLocked's use of c.writer on the same underlying stream.
func (c *Connection) SendDirect(msg *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	w := wire.NewWriter(c.transport)
	deadline := time.Now().Add(sendDirectBudget)
	for {
		err := w.WriteMessage(msg)
		if err == nil {
			return nil
		}
		if err == wire.ErrWouldBlock {
			if time.Now().After(deadline) {
				return preludeerrors.NewTimeoutError("sensor.send_direct", sendDirectBudget, wire.ErrWouldBlock)
			}
			runtime.Gosched()
			continue
		}
		return err
	}
}

// drainLocked pops and writes the outbound queue's head messages until one
// WouldBlocks or the queue empties. Caller must hold c.mu.
func (c *Connection) drainLocked() error {
	for len(c.outbound) > 0 {
		head := c.outbound[0]
		err := c.writer.WriteMessage(head)
		if err == nil {
			c.outbound = c.outbound[1:]
			continue
		}
		if err == wire.ErrWouldBlock {
			c.transport.NotifyWriteEnable()
			return nil
		}
		return err
	}
	c.transport.NotifyWriteDisable()
	return nil
}
