//go:build linux

// Package netpoll is the server logic pool: a fixed-size epoll reactor that
// fans readability/writability/close events for many non-blocking
// connections onto a small pool of worker threads, affinitising each
// connection to one worker for its lifetime.
package netpoll

import "fmt"

// Pool is a fixed-size reactor. Register hands a raw fd to the pool, which
// affinitises it to one worker by fd modulo worker count; the returned Conn
// exposes NotifyWriteEnable/NotifyWriteDisable to arm/disarm writability
// interest for that connection from any goroutine.
type Pool struct {
	workers []*worker
}

// NewPool starts numWorkers worker goroutines, each with its own epoll
// instance, and returns once all are running.
func NewPool(numWorkers int) (*Pool, error) {
	if numWorkers <= 0 {
		return nil, fmt.Errorf("netpoll: numWorkers must be > 0, got %d", numWorkers)
	}
	p := &Pool{workers: make([]*worker, numWorkers)}
	for i := range p.workers {
		w, err := newWorker(i)
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("netpoll: create worker %d: %w", i, err)
		}
		p.workers[i] = w
		go w.run()
	}
	return p, nil
}

// Register takes ownership of fd, affinitising it to a worker and arming
// read interest. readf/writef are invoked only on that worker; closef runs
// on that worker, or on the goroutine calling Stop.
func (p *Pool) Register(fd int, remoteAddr string, readf ReadFunc, writef WriteFunc, closef CloseFunc) (*Conn, error) {
	w := p.workers[fd%len(p.workers)]
	c := &Conn{fd: fd, remoteAddr: remoteAddr, worker: w}
	if err := w.register(c, readf, writef, closef); err != nil {
		return nil, err
	}
	return c, nil
}

// Stop drains every worker, invoking closef exactly once for each
// connection it still owns.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		if w != nil {
			w.stop()
		}
	}
}
