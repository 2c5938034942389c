package sensor

import (
	"context"
	"log/slog"

	"github.com/preludemgr/manager-core/internal/capability"
	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
	"github.com/preludemgr/manager-core/internal/logger"
	"github.com/preludemgr/manager-core/internal/registry"
	"github.com/preludemgr/manager-core/internal/router"
	"github.com/preludemgr/manager-core/internal/wire"
)

// Driver wires one Connection's read/write/close callbacks to the shared
// capability handshake and router collaborators (spec.md §4.3).
type Driver struct {
	Handshake   *capability.Handshake
	Router      *router.Router
	Connections *registry.Connections
	Log         *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// connLogger attaches c's identity and direction to the Driver's logger, the
// way every log line about a specific connection should be annotated.
func (d *Driver) connLogger(c *Connection) *slog.Logger {
	return logger.WithAnalyzer(d.logger(), c.identity, c.weConnected)
}

// OnReadable drains as many complete messages as are currently available
// without blocking, dispatching each per spec.md §4.3's read callback
// table. It returns -1 (close) on any protocol violation, transport error,
// or EOF; 0 otherwise.
func (d *Driver) OnReadable(c *Connection) int {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			if err == wire.ErrWouldBlock {
				return 0
			}
			d.connLogger(c).Debug("connection read failed, closing", "err", err)
			return -1
		}
		if err := d.handleMessage(c, msg); err != nil {
			d.connLogger(c).Warn("connection protocol violation, closing", "err", err)
			return -1
		}
	}
}

// OnWritable drains the outbound queue as far as it will go without
// blocking (spec.md §4.3's write callback).
func (d *Driver) OnWritable(c *Connection) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.drainLocked(); err != nil {
		d.connLogger(c).Debug("connection write failed, closing", "err", err)
		return -1
	}
	return 0
}

// OnClose runs spec.md §4.3's close callback exactly once: detach and kill
// any reverse-relay binding, deregister from the connections set, and
// destroy the event queue. Idempotent and infallible by construction.
func (d *Driver) OnClose(c *Connection) {
	c.closeMu.Do(func() {
		c.mu.Lock()
		c.closed = true
		relay := c.relay
		queue := c.queue
		registered := c.registered
		c.mu.Unlock()

		if relay != nil {
			relay.Rebind(nil)
			d.Handshake.Relays.SetDead(relay)
		}
		if registered {
			d.Connections.Remove(c)
		}
		if queue != nil {
			if err := queue.Close(); err != nil {
				d.connLogger(c).Debug("event queue close failed", "err", err)
			}
		}
	})
}

func (d *Driver) handleMessage(c *Connection, msg *wire.Message) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == capability.Fresh {
		return d.handleHandshake(c, msg)
	}
	return d.handleReady(c, msg)
}

func (d *Driver) handleHandshake(c *Connection, msg *wire.Message) error {
	result, err := d.Handshake.Handle(msg, c.identity, c, c)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.permission = result.Mask
	c.queue = result.Queue
	c.relay = result.Relay
	c.registered = true
	c.state = capability.Ready
	c.mu.Unlock()
	return nil
}

func (d *Driver) handleReady(c *Connection, msg *wire.Message) error {
	switch msg.Tag {
	case wire.IDMEF:
		return d.handleEvent(c, msg)
	case wire.OptionRequest:
		return d.Router.HandleRequest(msg, c)
	case wire.OptionReply:
		return d.Router.HandleReply(msg)
	default:
		return preludeerrors.NewProtocolError("sensor.handle_ready", errUnexpectedTag(msg.Tag))
	}
}

func (d *Driver) handleEvent(c *Connection, msg *wire.Message) error {
	required := wire.IDMEFWrite
	if c.weConnected {
		required = wire.IDMEFRead
	}
	c.mu.Lock()
	perm := c.permission
	queue := c.queue
	c.mu.Unlock()

	if !perm.Has(required) {
		return preludeerrors.NewProtocolError("sensor.handle_event", errPermissionDenied)
	}
	return queue.Schedule(context.Background(), c.identity, extractPayload(msg))
}

// extractPayload returns the PAYLOAD sub-tag's bytes, or nil if absent.
func extractPayload(msg *wire.Message) []byte {
	it := msg.SubTags()
	for {
		tag, data, _, ok, err := it.Next()
		if err != nil || !ok {
			return nil
		}
		if tag == wire.SubPayload {
			return data
		}
	}
}
