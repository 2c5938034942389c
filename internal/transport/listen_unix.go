package transport

import (
	"fmt"
	"net"
	"os"
)

// ListenUnix binds a UNIX domain socket at path, probing for and removing a
// stale socket file left behind by a crashed prior instance.
//
// Grounded on original_source/src/server-generic.c's
// is_unix_socket_already_used: if the path exists, a connect attempt tells
// us whether a live listener already owns it (in which case we refuse to
// start) or the file is simply stale (in which case we unlink it and
// proceed).
func ListenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if probeUnixSocketInUse(path) {
			return nil, fmt.Errorf("transport: unix socket %s is already in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("transport: removing stale unix socket %s: %w", path, err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen unix %s: %w", path, err)
	}
	return l, nil
}

// probeUnixSocketInUse reports whether some other process is actively
// accepting connections on path.
func probeUnixSocketInUse(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
