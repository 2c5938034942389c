//go:build linux

package netpoll

import "golang.org/x/sys/unix"

// AcceptFunc receives a newly accepted, already-nonblocking client fd and
// its raw peer address; returning an error stops the accept loop.
type AcceptFunc func(fd int, sa unix.Sockaddr) error

// RunAcceptLoop blocks in accept(2) on lfd until it returns a non-EINTR
// error or stop is closed, dispatching each accepted connection to
// onAccept. Per the concurrency model, the accept loop runs on its own
// dedicated goroutine and blocks only in accept.
func RunAcceptLoop(lfd int, stop <-chan struct{}, onAccept AcceptFunc) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		nfd, sa, err := unix.Accept(lfd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-stop:
				return nil
			default:
			}
			return err
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		if err := onAccept(nfd, sa); err != nil {
			return err
		}
	}
}
