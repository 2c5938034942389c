//go:build linux

package netpoll

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/preludemgr/manager-core/internal/logger"
)

const maxEpollEvents = 256

// ReadFunc/WriteFunc are invoked on the connection's owning worker;
// returning a negative value closes the connection afterward. CloseFunc
// runs at most once, regardless of which path triggered the close.
type ReadFunc func(c *Conn) int
type WriteFunc func(c *Conn) int
type CloseFunc func(c *Conn)

type connEntry struct {
	conn       *Conn
	readf      ReadFunc
	writef     WriteFunc
	closef     CloseFunc
	writeArmed bool
}

// worker owns one epoll instance and a disjoint subset of connections. Its
// run loop is the only place that ever invokes a connection's read and write
// callbacks, so read and write never overlap for a given connection. A
// connection's close callback runs either from the run loop or from stop.
type worker struct {
	id   int
	epfd int

	mu    sync.Mutex
	conns map[int]*connEntry

	stopped bool
}

func newWorker(id int) (*worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &worker{
		id:    id,
		epfd:  epfd,
		conns: make(map[int]*connEntry),
	}, nil
}

func (w *worker) register(c *Conn, readf ReadFunc, writef WriteFunc, closef CloseFunc) error {
	entry := &connEntry{conn: c, readf: readf, writef: writef, closef: closef}

	w.mu.Lock()
	w.conns[c.fd] = entry
	w.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(c.fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, c.fd, &ev); err != nil {
		w.mu.Lock()
		delete(w.conns, c.fd)
		w.mu.Unlock()
		return err
	}
	return nil
}

// setWritable arms or disarms EPOLLOUT interest for fd. It is safe to call
// from any goroutine: epoll_ctl on a given epoll fd is kernel-serialized, and
// the entry lookup/writeArmed update is guarded by w.mu rather than
// requiring the caller to run on the owning worker.
func (w *worker) setWritable(fd int, enable bool) error {
	w.mu.Lock()
	entry, ok := w.conns[fd]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	if entry.writeArmed == enable {
		w.mu.Unlock()
		return nil
	}
	entry.writeArmed = enable
	w.mu.Unlock()

	events := uint32(unix.EPOLLIN)
	if enable {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (w *worker) run() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := unix.EpollWait(w.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// EBADF here means Stop() already closed epfd; a quiet return.
			if err != unix.EBADF {
				logger.Error("netpoll: epoll_wait failed", "worker", w.id, "err", err)
			}
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			w.mu.Lock()
			entry, ok := w.conns[fd]
			w.mu.Unlock()
			if !ok {
				continue
			}

			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				w.closeConn(entry)
				continue
			}

			closeNow := false
			if ev.Events&unix.EPOLLOUT != 0 && entry.writef != nil {
				if entry.writef(entry.conn) < 0 {
					closeNow = true
				}
			}
			if !closeNow && ev.Events&unix.EPOLLIN != 0 && entry.readf != nil {
				if entry.readf(entry.conn) < 0 {
					closeNow = true
				}
			}
			if closeNow {
				w.closeConn(entry)
			}
		}
	}
}

// closeConn removes entry from the worker and invokes closef exactly once.
func (w *worker) closeConn(entry *connEntry) {
	w.mu.Lock()
	if _, ok := w.conns[entry.conn.fd]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.conns, entry.conn.fd)
	w.mu.Unlock()

	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, entry.conn.fd, nil)
	_ = unix.Close(entry.conn.fd)
	if entry.closef != nil {
		entry.closef(entry.conn)
	}
}

func (w *worker) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	entries := make([]*connEntry, 0, len(w.conns))
	for _, e := range w.conns {
		entries = append(entries, e)
	}
	w.conns = make(map[int]*connEntry)
	w.mu.Unlock()

	_ = unix.Close(w.epfd)

	for _, e := range entries {
		_ = unix.Close(e.conn.fd)
		if e.closef != nil {
			e.closef(e.conn)
		}
	}
}
